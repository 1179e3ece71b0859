// Package journal persists a row per completed request to sqlite.
//
// Append-only observability, queryable after the fact with any sqlite
// client; not part of the protocol contract and never read back by the
// bridge itself.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	dialect        TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	error_kind     TEXT NOT NULL DEFAULT '',
	latency_ms     INTEGER NOT NULL DEFAULT 0,
	saved_path     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);
`

// Entry is one completed request.
type Entry struct {
	CorrelationID string
	Dialect       string
	Outcome       string
	ErrorKind     string
	LatencyMS     int64
	SavedPath     string
	CreatedAt     time.Time
}

// Journal wraps the sqlite database.
type Journal struct {
	db *sql.DB
}

// Open creates (or opens) the journal database and ensures the schema.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	// Single writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record inserts one entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO requests (correlation_id, dialect, outcome, error_kind, latency_ms, saved_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.CorrelationID, e.Dialect, e.Outcome, e.ErrorKind, e.LatencyMS, e.SavedPath, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording request %q: %w", e.CorrelationID, err)
	}
	return nil
}

// Count returns the number of recorded requests.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
