// Package tracer runs the per-tracee decode/filter/dispatch loop and
// keeps a local durable record of calls a session has seen.
package tracer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/sysbridge/internal/syscallrec"
)

// History is a local, durable log of syscalls a tracer has observed,
// keyed by session. It exists so an operator can inspect what a tracee
// did even if the executor connection was down when the call happened.
type History interface {
	Append(ctx context.Context, sessionID string, s syscallrec.Syscall) error
	Recent(ctx context.Context, sessionID string, limit int) ([]syscallrec.Syscall, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// SQLiteHistory is a WAL-mode SQLite-backed History. It is safe for
// concurrent use across tracee worker goroutines.
type SQLiteHistory struct {
	db *sql.DB
}

const historyDDL = `
CREATE TABLE IF NOT EXISTS call_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT    NOT NULL,
    syscall     TEXT    NOT NULL,
    recorded_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_call_history_session
    ON call_history (session_id, id);
CREATE INDEX IF NOT EXISTS idx_call_history_recorded_at
    ON call_history (recorded_at);
`

// NewSQLiteHistory opens (or creates) the SQLite database at path in WAL
// mode and applies the schema. path may be ":memory:" for tests.
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracer: open history %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracer: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracer: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(historyDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracer: apply schema: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

// Append persists s under sessionID.
func (h *SQLiteHistory) Append(ctx context.Context, sessionID string, s syscallrec.Syscall) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("tracer: marshal syscall: %w", err)
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO call_history (session_id, syscall) VALUES (?, ?)`,
		sessionID, string(body))
	if err != nil {
		return fmt.Errorf("tracer: append: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recently appended calls for
// sessionID, oldest first.
func (h *SQLiteHistory) Recent(ctx context.Context, sessionID string, limit int) ([]syscallrec.Syscall, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT syscall FROM call_history
		 WHERE session_id = ?
		 ORDER BY id DESC
		 LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("tracer: recent query: %w", err)
	}
	defer rows.Close()

	var out []syscallrec.Syscall
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("tracer: recent scan: %w", err)
		}
		var s syscallrec.Syscall
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracer: recent rows: %w", err)
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune deletes every row recorded before olderThan and reports how many
// rows were removed.
func (h *SQLiteHistory) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM call_history WHERE recorded_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("tracer: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database connection.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
