package storage

import (
	"fmt"

	"go.uber.org/zap"
)

// ConnectorStateStore records connector lifecycle transitions so the ops API
// can report the status of each connector across restarts.
type ConnectorStateStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewConnectorStateStore creates a connector state store.
func NewConnectorStateStore(sqlite *SQLite, logger *zap.SugaredLogger) *ConnectorStateStore {
	return &ConnectorStateStore{sqlite: sqlite, logger: logger}
}

// SetStatus upserts the status row for a connector.
func (s *ConnectorStateStore) SetStatus(name, status, lastError string) error {
	_, err := s.sqlite.DB.Exec(`
		INSERT INTO connector_state (name, status, last_error, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP`,
		name, status, lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to record connector state for %s: %w", name, err)
	}
	return nil
}

// Statuses returns the recorded status per connector name.
func (s *ConnectorStateStore) Statuses() (map[string]string, error) {
	rows, err := s.sqlite.DB.Query(`SELECT name, status FROM connector_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query connector state: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]string)
	for rows.Next() {
		var name, status string
		if err := rows.Scan(&name, &status); err != nil {
			return nil, fmt.Errorf("failed to scan connector state: %w", err)
		}
		statuses[name] = status
	}
	return statuses, rows.Err()
}
