package media

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DurationCache persists probed media durations keyed by absolute path.
// Attractions loop the same files for months, so a probe result is worth
// keeping across restarts. A nil *DurationCache is valid and caches nothing.
type DurationCache struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDurationCache opens (creating when absent) the cache database at path.
func OpenDurationCache(path string) (*DurationCache, error) {
	if path == "" {
		return nil, errors.New("duration cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open duration cache: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS durations (
	path      TEXT PRIMARY KEY,
	seconds   REAL NOT NULL,
	probed_at TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create durations table: %w", err)
	}

	return &DurationCache{db: db, now: time.Now}, nil
}

// Get returns the cached duration for path and whether one was present.
func (c *DurationCache) Get(path string) (float64, bool, error) {
	if c == nil {
		return 0, false, nil
	}
	var seconds float64
	err := c.db.QueryRow(`SELECT seconds FROM durations WHERE path = ?`, path).Scan(&seconds)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read duration cache: %w", err)
	}
	return seconds, true, nil
}

// Put stores or replaces the duration for path.
func (c *DurationCache) Put(path string, seconds float64) error {
	if c == nil {
		return nil
	}
	_, err := c.db.Exec(
		`INSERT INTO durations (path, seconds, probed_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET seconds = excluded.seconds, probed_at = excluded.probed_at`,
		path, seconds, c.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write duration cache: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (c *DurationCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
