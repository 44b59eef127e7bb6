package storage

import (
	"encoding/json"
	"fmt"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// SQLiteSink persists normalized events into the events table. It implements
// core.EventSink.
type SQLiteSink struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteSink creates the SQLite-backed event sink.
func NewSQLiteSink(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteSink {
	return &SQLiteSink{sqlite: sqlite, logger: logger}
}

// Create inserts one normalized event. Callers may log a failure but must not
// abort ingestion because of it.
func (s *SQLiteSink) Create(event *core.NormalizedEvent) error {
	extensions, err := json.Marshal(event.Extensions)
	if err != nil {
		return fmt.Errorf("failed to marshal event extensions: %w", err)
	}

	_, err = s.sqlite.DB.Exec(`
		INSERT INTO events (id, agent_id, severity, category, engine, timestamp_millis, host, message, extensions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.AgentID,
		string(event.Severity),
		event.Category,
		event.Engine,
		event.TimestampMillis,
		event.Host,
		event.Message,
		string(extensions),
	)
	if err != nil {
		return fmt.Errorf("failed to persist event %s: %w", event.ID, err)
	}

	metrics.EventsIngested.WithLabelValues(event.Engine).Inc()
	return nil
}

// CountEvents returns the number of persisted events. Used by the ops API.
func (s *SQLiteSink) CountEvents() (int64, error) {
	var n int64
	if err := s.sqlite.DB.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
