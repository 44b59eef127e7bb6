package storage

import (
	"database/sql"
	"fmt"
	"time"

	"argus/core"

	"go.uber.org/zap"
)

// CacheEntry is one threat-intel cache row, keyed uniquely by IOC value.
// An entry is valid iff LastSeen + TTL is in the future.
type CacheEntry struct {
	IOCValue  string
	IOCType   core.IOCType
	Provider  string
	RawResult string
	Verdict   string
	Score     float64
	FirstSeen time.Time
	LastSeen  time.Time
	TTL       time.Duration
}

// Valid reports whether the entry is still within its TTL at the given time.
func (e *CacheEntry) Valid(now time.Time) bool {
	return e.LastSeen.Add(e.TTL).After(now)
}

// IntelCache is the persistent threat-intel cache backing the enrichment
// worker's short-circuit check.
type IntelCache struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewIntelCache creates an intel cache over the given database.
func NewIntelCache(sqlite *SQLite, logger *zap.SugaredLogger) *IntelCache {
	return &IntelCache{sqlite: sqlite, logger: logger}
}

// GetValid returns the entry for iocValue if it exists and is still within
// its TTL, or nil on a miss. Stale entries are reported as misses but left in
// place; the next upsert supersedes them.
func (c *IntelCache) GetValid(iocValue string) (*CacheEntry, error) {
	entry, err := c.get(iocValue)
	if err != nil || entry == nil {
		return nil, err
	}
	if !entry.Valid(time.Now()) {
		return nil, nil
	}
	return entry, nil
}

func (c *IntelCache) get(iocValue string) (*CacheEntry, error) {
	var (
		entry      CacheEntry
		iocType    string
		ttlSeconds int64
	)
	err := c.sqlite.DB.QueryRow(`
		SELECT ioc_value, ioc_type, provider, raw_result, verdict, score, first_seen, last_seen, ttl_seconds
		FROM intel_cache WHERE ioc_value = ?`, iocValue,
	).Scan(
		&entry.IOCValue, &iocType, &entry.Provider, &entry.RawResult,
		&entry.Verdict, &entry.Score, &entry.FirstSeen, &entry.LastSeen, &ttlSeconds,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read intel cache entry: %w", err)
	}
	entry.IOCType = core.IOCType(iocType)
	entry.TTL = time.Duration(ttlSeconds) * time.Second
	return &entry, nil
}

// Upsert inserts the entry, or overwrites raw_result, verdict, score,
// last_seen, and ttl in place while preserving the original first_seen.
// Entries are superseded by key, never duplicated.
func (c *IntelCache) Upsert(entry *CacheEntry) error {
	_, err := c.sqlite.DB.Exec(`
		INSERT INTO intel_cache (ioc_value, ioc_type, provider, raw_result, verdict, score, first_seen, last_seen, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ioc_value) DO UPDATE SET
			ioc_type = excluded.ioc_type,
			provider = excluded.provider,
			raw_result = excluded.raw_result,
			verdict = excluded.verdict,
			score = excluded.score,
			last_seen = excluded.last_seen,
			ttl_seconds = excluded.ttl_seconds`,
		entry.IOCValue,
		string(entry.IOCType),
		entry.Provider,
		entry.RawResult,
		entry.Verdict,
		entry.Score,
		entry.FirstSeen.UTC(),
		entry.LastSeen.UTC(),
		int64(entry.TTL/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert intel cache entry for %s: %w", entry.IOCValue, err)
	}
	return nil
}
