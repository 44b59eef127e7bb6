// Package storage provides the SQLite persistence layer: the normalized
// event sink, the agent durability buffer, the threat-intel cache, the
// enrichment job queue, and the dead letter queue.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database handle shared by the storage types.
type SQLite struct {
	DB     *sql.DB
	Path   string
	Logger *zap.SugaredLogger
}

// NewSQLite opens (creating if absent) the database at path, enables WAL
// mode, foreign keys, and a busy timeout, and runs migrations.
func NewSQLite(path string, logger *zap.SugaredLogger) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite permits one writer; keep the pool at a single connection so
	// concurrent upserts serialize instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := configureConnection(db, path); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{DB: db, Path: path, Logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infof("SQLite database ready at %s", path)
	return s, nil
}

func configureConnection(db *sql.DB, path string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// In-memory databases report "memory" journal mode, which is fine.
	if path != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s)", journalMode)
	}
	return nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'info'
			CHECK(severity IN ('debug','info','warn','error','critical')),
		category TEXT NOT NULL,
		engine TEXT NOT NULL,
		timestamp_millis INTEGER NOT NULL,
		host TEXT DEFAULT '',
		message TEXT DEFAULT '',
		extensions TEXT DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_millis);
	CREATE INDEX IF NOT EXISTS idx_events_engine ON events(engine);

	CREATE TABLE IF NOT EXISTS agent_buffer (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		buffered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_agent_buffer_delivered ON agent_buffer(delivered);

	CREATE TABLE IF NOT EXISTS intel_cache (
		ioc_value TEXT PRIMARY KEY,
		ioc_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		raw_result TEXT DEFAULT '{}',
		verdict TEXT NOT NULL DEFAULT 'clean',
		score REAL NOT NULL DEFAULT 0,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		ttl_seconds INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intel_cache_last_seen ON intel_cache(last_seen);

	CREATE TABLE IF NOT EXISTS enrichment_jobs (
		id TEXT PRIMARY KEY,
		ioc_value TEXT NOT NULL,
		ioc_type TEXT NOT NULL,
		alert_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending','running','done','dead')),
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt DATETIME NOT NULL,
		last_error TEXT DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_next ON enrichment_jobs(status, next_attempt);
	CREATE INDEX IF NOT EXISTS idx_jobs_ioc ON enrichment_jobs(ioc_value);

	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol TEXT NOT NULL,
		raw_event TEXT NOT NULL,
		error_reason TEXT NOT NULL,
		error_details TEXT DEFAULT '',
		source_ip TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending','replayed','discarded')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dlq_status ON dead_letter_queue(status);

	CREATE TABLE IF NOT EXISTS connector_state (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_error TEXT DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.DB.Exec(schema)
	return err
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.DB.Close()
}
