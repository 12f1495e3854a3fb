// Package store persists the request log in SQLite using the pure-Go
// modernc driver. Writes off the request path are fire-and-forget: a
// failed log write warns and is dropped rather than failing the
// client's request.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle for request logging and reporting.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dsn (":memory:" for ephemeral).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// WAL for concurrent read/write; busy timeout instead of immediate
	// SQLITE_BUSY under writer contention.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite allows one writer at a time. Keep the pool small. An
	// in-memory database exists per connection, so it must be pinned
	// to a single one.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT,
			policy TEXT,
			streaming BOOLEAN NOT NULL DEFAULT 0,
			input_tokens INTEGER,
			output_tokens INTEGER,
			cost_sats REAL,
			provider_cost_sats REAL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			stream_duration_ms INTEGER,
			success BOOLEAN NOT NULL DEFAULT 0,
			error_status INTEGER,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_correlation ON requests(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// FormatTime renders a timestamp the way rows are stored: RFC 3339 UTC.
// Lexicographic comparison of stored timestamps then matches time order.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
