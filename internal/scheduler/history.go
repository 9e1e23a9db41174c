package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// History persists task runs so operators can see what the worker has
// been doing across restarts. The queue itself is never persisted.
type History struct {
	db *sql.DB
}

// NewHistory creates the run history, running migrations on first use.
func NewHistory(db *sql.DB) (*History, error) {
	h := &History{db: db}
	if err := h.migrate(); err != nil {
		return nil, fmt.Errorf("migrate task runs: %w", err)
	}
	return h, nil
}

func (h *History) migrate() error {
	_, err := h.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_runs (
		id           TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		task_name    TEXT NOT NULL,
		queued_at    TEXT NOT NULL,
		started_at   TEXT NOT NULL,
		completed_at TEXT,
		status       TEXT NOT NULL,
		result       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);
	`)
	return err
}

// Start records a run as in progress.
func (h *History) Start(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, task_name, queued_at, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.TaskName,
		r.QueuedAt.UTC().Format(time.RFC3339Nano), r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Status)
	if err != nil {
		return fmt.Errorf("record run start %s: %w", r.ID, err)
	}
	return nil
}

// Finish records the outcome of a run.
func (h *History) Finish(ctx context.Context, r *Run) error {
	var completed *string
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339Nano)
		completed = &s
	}
	_, err := h.db.ExecContext(ctx,
		`UPDATE task_runs SET completed_at = ?, status = ?, result = ? WHERE id = ?`,
		completed, r.Status, r.Result, r.ID)
	if err != nil {
		return fmt.Errorf("record run finish %s: %w", r.ID, err)
	}
	return nil
}

// MarkInterrupted closes out runs left in progress by a previous
// process and returns how many there were.
func (h *History) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, result = ? WHERE status = ?`,
		StatusInterrupted, "process exited before the run finished", StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// Recent returns the latest runs, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, task_id, task_name, queued_at, started_at, completed_at, status, result
		FROM task_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r                 Run
			queued, started   string
			completed, result sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.TaskName, &queued, &started, &completed, &r.Status, &result); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		r.QueuedAt, _ = time.Parse(time.RFC3339Nano, queued)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if completed.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completed.String)
			r.CompletedAt = &t
		}
		r.Result = result.String
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
