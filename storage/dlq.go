package storage

import (
	"fmt"
	"time"

	"argus/metrics"

	"go.uber.org/zap"
)

// FailedEvent is a malformed raw message that failed parsing.
type FailedEvent struct {
	Protocol     string // 'syslog', 'cef', 'agent'
	RawEvent     string
	ErrorReason  string // error category, e.g. 'parse_failure'
	ErrorDetails string
	SourceIP     string
}

// DLQEvent is a stored dead-letter row.
type DLQEvent struct {
	ID           int64     `json:"id"`
	Protocol     string    `json:"protocol"`
	RawEvent     string    `json:"raw_event"`
	ErrorReason  string    `json:"error_reason"`
	ErrorDetails string    `json:"error_details"`
	SourceIP     string    `json:"source_ip"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// DLQ records malformed events for operational visibility. A DLQ write
// failure is logged by callers and never blocks the ingestion path.
type DLQ struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewDLQ creates a DLQ over the given database.
func NewDLQ(sqlite *SQLite, logger *zap.SugaredLogger) *DLQ {
	return &DLQ{sqlite: sqlite, logger: logger}
}

// Add writes a failed event to the dead letter queue.
func (d *DLQ) Add(event *FailedEvent) error {
	_, err := d.sqlite.DB.Exec(`
		INSERT INTO dead_letter_queue (protocol, raw_event, error_reason, error_details, source_ip, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`,
		event.Protocol, event.RawEvent, event.ErrorReason, event.ErrorDetails, event.SourceIP,
	)
	if err != nil {
		return fmt.Errorf("failed to write event to DLQ: %w", err)
	}
	metrics.DLQEvents.WithLabelValues(event.Protocol, event.ErrorReason).Inc()
	return nil
}

// List returns the most recent DLQ rows up to limit.
func (d *DLQ) List(limit int) ([]*DLQEvent, error) {
	rows, err := d.sqlite.DB.Query(`
		SELECT id, protocol, raw_event, error_reason, error_details, source_ip, status, created_at
		FROM dead_letter_queue ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query DLQ: %w", err)
	}
	defer rows.Close()

	var events []*DLQEvent
	for rows.Next() {
		var e DLQEvent
		if err := rows.Scan(&e.ID, &e.Protocol, &e.RawEvent, &e.ErrorReason,
			&e.ErrorDetails, &e.SourceIP, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan DLQ event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
