// Package journal keeps a persistent, append-only record of every script
// sent to darktable: which tool sent it, what came back, and how long it
// took. Records are indexed by timestamp, session and tool for
// aggregation queries.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is a fixed-width UTC layout so stored timestamps sort
// lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Record is one remote invocation.
type Record struct {
	ID        string
	Timestamp time.Time
	SessionID string
	Tool      string // empty for calls made outside a tool, such as probe
	Method    string
	Script    string
	Result    string
	Error     string // empty on success
	Duration  time.Duration
}

// Summary holds aggregated call totals.
type Summary struct {
	TotalCalls    int
	FailedCalls   int
	TotalDuration time.Duration
	MaxDuration   time.Duration
}

// Store is an append-only SQLite store for remote call records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens the journal database at path with the cgo SQLite driver.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	return db, nil
}

// NewStore creates a journal store on db, creating the schema on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS remote_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		tool        TEXT NOT NULL DEFAULT '',
		method      TEXT NOT NULL,
		script      TEXT NOT NULL,
		result      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_remote_calls_timestamp ON remote_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_remote_calls_session ON remote_calls(session_id);
	CREATE INDEX IF NOT EXISTS idx_remote_calls_tool ON remote_calls(tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated; a zero Timestamp becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate journal record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_calls
			(id, timestamp, session_id, tool, method, script, result, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.SessionID,
		rec.Tool,
		rec.Method,
		rec.Script,
		rec.Result,
		rec.Error,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert journal record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for calls within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(error != ''), 0), COALESCE(SUM(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM remote_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		formatTime(start), formatTime(end),
	)

	var sum Summary
	var totalMS, maxMS int64
	if err := row.Scan(&sum.TotalCalls, &sum.FailedCalls, &totalMS, &maxMS); err != nil {
		return nil, fmt.Errorf("query journal summary: %w", err)
	}
	sum.TotalDuration = time.Duration(totalMS) * time.Millisecond
	sum.MaxDuration = time.Duration(maxMS) * time.Millisecond
	return &sum, nil
}

// SummaryByTool returns per-tool totals for calls within [start, end).
// Calls made outside a tool are grouped under the key "".
func (s *Store) SummaryByTool(start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(
		`SELECT tool, COUNT(*), COALESCE(SUM(error != ''), 0), COALESCE(SUM(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		 FROM remote_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY tool`,
		formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query journal by tool: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var tool string
		var sum Summary
		var totalMS, maxMS int64
		if err := rows.Scan(&tool, &sum.TotalCalls, &sum.FailedCalls, &totalMS, &maxMS); err != nil {
			return nil, fmt.Errorf("scan journal by tool: %w", err)
		}
		sum.TotalDuration = time.Duration(totalMS) * time.Millisecond
		sum.MaxDuration = time.Duration(maxMS) * time.Millisecond
		result[tool] = &sum
	}
	return result, rows.Err()
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, session_id, tool, method, script, result, error, duration_ms
		 FROM remote_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent journal records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts string
		var ms int64
		if err := rows.Scan(&rec.ID, &ts, &rec.SessionID, &rec.Tool, &rec.Method,
			&rec.Script, &rec.Result, &rec.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan journal record: %w", err)
		}
		rec.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse journal timestamp %q: %w", ts, err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
