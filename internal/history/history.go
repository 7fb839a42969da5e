// Package history persists request and spawn records across coordinator
// restarts using an embedded, pure-Go sqlite database. Locks and leases
// are never persisted (spec §4.1 — a restart losing them is acceptable),
// but request outcomes and spawn attempts are useful across restarts for
// diagnosing crash-loops and reporting recent activity, so those get a
// small on-disk table.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection used for request and spawn history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// The sqlite driver serializes writers internally; a single connection
	// avoids SQLITE_BUSY under our low write volume.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_history (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			caller_pid  INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			finished_at INTEGER,
			status      TEXT NOT NULL,
			error       TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create request_history table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spawn_log (
			attempted_at INTEGER NOT NULL,
			delay_ms     INTEGER NOT NULL,
			succeeded    INTEGER NOT NULL,
			detail       TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create spawn_log table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRequestStart inserts a new request_history row in "running" state.
func (s *Store) RecordRequestStart(id, kind string, callerPID int, createdAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO request_history (id, kind, caller_pid, created_at, status) VALUES (?, ?, ?, ?, ?)`,
		id, kind, callerPID, createdAt.Unix(), "running",
	)
	if err != nil {
		return fmt.Errorf("record request start: %w", err)
	}
	return nil
}

// RecordRequestFinish updates a request's terminal status.
func (s *Store) RecordRequestFinish(id, status, errMsg string, finishedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE request_history SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, nullableString(errMsg), finishedAt.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("record request finish: %w", err)
	}
	return nil
}

// RequestRecord is one row of request history.
type RequestRecord struct {
	ID         string
	Kind       string
	CallerPID  int
	CreatedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Error      string
}

// RecentRequests returns up to limit most recent request records, newest
// first.
func (s *Store) RecentRequests(limit int) ([]RequestRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, caller_pid, created_at, finished_at, status, COALESCE(error, '')
		 FROM request_history ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent requests: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var r RequestRecord
		var createdUnix int64
		var finishedUnix sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Kind, &r.CallerPID, &createdUnix, &finishedUnix, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("scan request history row: %w", err)
		}
		r.CreatedAt = time.Unix(createdUnix, 0).UTC()
		if finishedUnix.Valid {
			t := time.Unix(finishedUnix.Int64, 0).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSpawnAttempt appends one entry to the spawn log (spec §6 "a spawn
// log (append-only)"). delay is the backoff that preceded this attempt.
func (s *Store) RecordSpawnAttempt(delay time.Duration, succeeded bool, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO spawn_log (attempted_at, delay_ms, succeeded, detail) VALUES (?, ?, ?, ?)`,
		time.Now().Unix(), delay.Milliseconds(), boolToInt(succeeded), detail,
	)
	if err != nil {
		return fmt.Errorf("record spawn attempt: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
