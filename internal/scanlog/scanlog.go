// Package scanlog archives per-URL scan outcomes in a local sqlite
// database so repeated failures can be triaged across cycles.
package scanlog

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
CREATE TABLE IF NOT EXISTS scan_results (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle     TEXT NOT NULL,
	stage     TEXT NOT NULL,
	url       TEXT NOT NULL,
	verdict   TEXT NOT NULL,
	reason    TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_results_url ON scan_results (url, at);
CREATE INDEX IF NOT EXISTS idx_scan_results_cycle ON scan_results (cycle, stage);
`

// Result is one (cycle, stage, url) outcome.
type Result struct {
	Cycle   string
	Stage   string
	URL     string
	Verdict string // "ok" or "invalid"
	Reason  string
	Latency time.Duration
	At      time.Time
}

// Log is an append-only scan history store.
type Log struct {
	db *sql.DB
}

// Open creates or opens the history database at path, applying the schema.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return nil, fmt.Errorf("scanlog: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("scanlog: open: %w", err)
	}
	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("scanlog: schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error { return l.db.Close() }

// Record appends a batch of results in one transaction.
func (l *Log) Record(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scanlog: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO scan_results (cycle, stage, url, verdict, reason, latency_ms, at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("scanlog: prepare: %w", err)
	}
	defer stmt.Close()
	for _, r := range results {
		at := r.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.Cycle, r.Stage, r.URL, r.Verdict, r.Reason,
			r.Latency.Milliseconds(), at.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("scanlog: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("scanlog: commit: %w", err)
	}
	return nil
}

// History returns the stored results for one URL, newest first, capped at
// limit rows (limit <= 0 means all).
func (l *Log) History(ctx context.Context, url string, limit int) ([]Result, error) {
	q := `SELECT cycle, stage, url, verdict, reason, latency_ms, at FROM scan_results WHERE url = ? ORDER BY at DESC, id DESC`
	args := []any{url}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return l.query(ctx, q, args...)
}

// CycleResults returns every result for one cycle and stage, insertion order.
func (l *Log) CycleResults(ctx context.Context, cycle, stage string) ([]Result, error) {
	return l.query(ctx,
		`SELECT cycle, stage, url, verdict, reason, latency_ms, at FROM scan_results WHERE cycle = ? AND stage = ? ORDER BY id`,
		cycle, stage)
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]Result, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scanlog: query: %w", err)
	}
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var r Result
		var ms int64
		var at string
		if err := rows.Scan(&r.Cycle, &r.Stage, &r.URL, &r.Verdict, &r.Reason, &ms, &at); err != nil {
			return nil, fmt.Errorf("scanlog: scan: %w", err)
		}
		r.Latency = time.Duration(ms) * time.Millisecond
		r.At, _ = time.Parse(time.RFC3339, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
