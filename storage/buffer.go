package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// BufferStore is the agent connector's write-ahead buffer. Events accepted
// from an agent are appended here before sink delivery, so a temporarily
// unreachable sink never loses accepted events.
type BufferStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// BufferedEvent is one undelivered row from the buffer.
type BufferedEvent struct {
	Seq   int64
	Event *core.NormalizedEvent
}

// NewBufferStore creates a buffer store over the given database.
func NewBufferStore(sqlite *SQLite, logger *zap.SugaredLogger) *BufferStore {
	return &BufferStore{sqlite: sqlite, logger: logger}
}

// Append stores one event in the buffer.
func (b *BufferStore) Append(event *core.NormalizedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal buffered event: %w", err)
	}
	_, err = b.sqlite.DB.Exec(
		`INSERT INTO agent_buffer (event_id, payload) VALUES (?, ?)`,
		event.ID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to buffer event %s: %w", event.ID, err)
	}
	metrics.BufferedEvents.Inc()
	return nil
}

// Undelivered returns up to limit buffered events that have not yet been
// delivered to the sink, in append order.
func (b *BufferStore) Undelivered(limit int) ([]BufferedEvent, error) {
	rows, err := b.sqlite.DB.Query(
		`SELECT seq, payload FROM agent_buffer WHERE delivered = 0 ORDER BY seq LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent buffer: %w", err)
	}
	defer rows.Close()

	// The pool holds a single connection, so no writes may run while the
	// cursor is open. Corrupt rows are collected and discarded after the
	// scan loop releases it.
	var out []BufferedEvent
	var corrupt []int64
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan buffered event: %w", err)
		}
		var event core.NormalizedEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			// A corrupt row is skipped, not fatal: mark it delivered so the
			// flusher does not spin on it forever.
			b.logger.Errorf("Corrupt buffered event at seq %d, discarding: %v", seq, err)
			corrupt = append(corrupt, seq)
			continue
		}
		out = append(out, BufferedEvent{Seq: seq, Event: &event})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent buffer: %w", err)
	}
	rows.Close()

	for _, seq := range corrupt {
		if _, err := b.sqlite.DB.Exec(`UPDATE agent_buffer SET delivered = 1 WHERE seq = ?`, seq); err != nil {
			b.logger.Warnf("Failed to discard corrupt buffer row %d: %v", seq, err)
		}
	}
	return out, nil
}

// MarkDelivered flags a buffered event as delivered to the sink.
func (b *BufferStore) MarkDelivered(seq int64) error {
	res, err := b.sqlite.DB.Exec(`UPDATE agent_buffer SET delivered = 1 WHERE seq = ? AND delivered = 0`, seq)
	if err != nil {
		return fmt.Errorf("failed to mark buffered event delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.BufferedEvents.Dec()
	}
	return nil
}

// Purge removes delivered rows. Called periodically by the flusher.
func (b *BufferStore) Purge() error {
	_, err := b.sqlite.DB.Exec(`DELETE FROM agent_buffer WHERE delivered = 1`)
	if err != nil {
		return fmt.Errorf("failed to purge agent buffer: %w", err)
	}
	return nil
}

// PendingCount returns the number of undelivered rows.
func (b *BufferStore) PendingCount() (int64, error) {
	var n int64
	err := b.sqlite.DB.QueryRow(`SELECT COUNT(*) FROM agent_buffer WHERE delivered = 0`).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to count pending buffer rows: %w", err)
	}
	return n, nil
}
