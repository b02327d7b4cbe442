// Package archive persists snapshots into a local SQLite file and streams
// them back in ascending timestamp order for the replay engine. It is the
// archival-store collaborator: read path is strictly ordered and read-only.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"optionpilot/internal/snapshot"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	ts      INTEGER PRIMARY KEY,
	payload TEXT NOT NULL
);
`

// Store wraps one SQLite archive file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save upserts one snapshot keyed by its timestamp (unix nanos). Re-ingesting
// the same snapshot is idempotent.
func (s *Store) Save(ctx context.Context, snap snapshot.Context) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("archive: refusing malformed snapshot: %w", err)
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (ts, payload) VALUES (?, ?)`,
		snap.Timestamp.UTC().UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Count returns the number of archived snapshots.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}

// Source streams archived snapshots in ascending timestamp order, optionally
// bounded to [from, to]. Zero bounds mean unbounded. The result satisfies
// snapshot.Source so the replay engine consumes it directly.
func (s *Store) Source(from, to time.Time) snapshot.Source {
	return &rows{db: s.db, from: from, to: to}
}

type rows struct {
	db   *sql.DB
	from time.Time
	to   time.Time
	rs   *sql.Rows
	done bool
}

func (r *rows) Next(ctx context.Context) (snapshot.Context, error) {
	if r.done {
		return snapshot.Context{}, snapshot.ErrExhausted
	}
	if r.rs == nil {
		lo := int64(0)
		hi := int64(1<<63 - 1)
		if !r.from.IsZero() {
			lo = r.from.UTC().UnixNano()
		}
		if !r.to.IsZero() {
			hi = r.to.UTC().UnixNano()
		}
		rs, err := r.db.QueryContext(ctx,
			`SELECT payload FROM snapshots WHERE ts >= ? AND ts <= ? ORDER BY ts ASC`, lo, hi)
		if err != nil {
			return snapshot.Context{}, &snapshot.FetchError{Op: "archive query", Err: err}
		}
		r.rs = rs
	}

	if !r.rs.Next() {
		r.done = true
		err := r.rs.Err()
		r.rs.Close()
		if err != nil {
			return snapshot.Context{}, &snapshot.FetchError{Op: "archive scan", Err: err}
		}
		return snapshot.Context{}, snapshot.ErrExhausted
	}

	var payload string
	if err := r.rs.Scan(&payload); err != nil {
		return snapshot.Context{}, &snapshot.FetchError{Op: "archive scan", Err: err}
	}
	var snap snapshot.Context
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return snapshot.Context{}, &snapshot.FetchError{Op: "archive decode", Err: err}
	}
	return snap, nil
}
