// Package audit keeps a bounded, in-memory record of recent client
// dispatches (supplemental "dispatch audit log" — a SQLite-backed store
// scoped to a single process's lifetime rather than cross-restart
// durability, so it lives in ":memory:" and is capped rather than
// migrated).
package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ncruces/go-strftime"
	_ "modernc.org/sqlite"
)

// DefaultCapacity bounds the number of rows retained before the oldest is
// evicted on insert.
const DefaultCapacity = 500

// Entry is one recorded client dispatch.
type Entry struct {
	ID        int64
	Method    string
	Action    string
	TabID     *int
	Success   bool
	ErrorTag  string
	DurationMS int64
	CreatedAt string
}

// Age renders a human-friendly "how long ago" string for display, e.g.
// "3 seconds ago".
func (e Entry) Age(now time.Time) string {
	t, err := time.Parse(time.RFC3339, e.CreatedAt)
	if err != nil {
		return e.CreatedAt
	}
	return humanize.Time(t)
}

// Log is a capacity-bounded SQLite-backed audit trail of dispatches made
// through internal/rpc.
type Log struct {
	db       *sql.DB
	mu       sync.Mutex
	capacity int
}

// Open creates an in-memory audit log capped at capacity rows (capacity <= 0
// falls back to DefaultCapacity).
func Open(capacity int) (*Log, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// A single shared in-memory connection; modernc.org/sqlite drops the
	// database once the last connection closes, so cap the pool at one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			method TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			tab_id INTEGER,
			success INTEGER NOT NULL,
			error_tag TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create requests table: %w", err)
	}

	return &Log{db: db, capacity: capacity}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record inserts one dispatch outcome and trims the table back to capacity.
func (l *Log) Record(method, action string, tabID *int, success bool, errorTag string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	createdAt := strftime.Format("%Y-%m-%dT%H:%M:%SZ", time.Now().UTC())
	if _, err := l.db.Exec(
		`INSERT INTO requests (method, action, tab_id, success, error_tag, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		method, action, tabID, boolToInt(success), errorTag, d.Milliseconds(), createdAt,
	); err != nil {
		return
	}

	l.db.Exec(
		`DELETE FROM requests WHERE id NOT IN (SELECT id FROM requests ORDER BY id DESC LIMIT ?)`,
		l.capacity,
	)
}

// Recent returns up to limit most-recent entries, newest first. limit <= 0
// returns every retained entry (bounded by capacity).
func (l *Log) Recent(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `SELECT id, method, action, tab_id, success, error_tag, duration_ms, created_at FROM requests ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var success int
		var tabID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Method, &e.Action, &tabID, &success, &e.ErrorTag, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		e.Success = success != 0
		if tabID.Valid {
			v := int(tabID.Int64)
			e.TabID = &v
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	if out == nil {
		out = []Entry{}
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
