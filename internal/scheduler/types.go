// Package scheduler runs deferred work on a single background worker.
// Tasks run one at a time in the order they were queued; when the
// queue is empty the worker performs maintenance (response scans and
// periodic memory ingestion).
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSchedulerStopped is returned by Enqueue after Stop.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Task is a unit of deferred work.
type Task struct {
	ID   string // UUIDv7
	Name string // human-readable label
	// Key, when set, lets EnqueueOnce skip a task whose key is already
	// waiting in the queue.
	Key      string
	Run      func(ctx context.Context) error
	QueuedAt time.Time
}

// NewTask builds a task with a fresh ID.
func NewTask(name string, run func(ctx context.Context) error) *Task {
	return &Task{ID: NewID(), Name: name, Run: run}
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// RunStatus is the state of one task run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
	StatusPanicked    RunStatus = "panicked"
	StatusInterrupted RunStatus = "interrupted" // process exited mid-run
)

// Run records one execution of a task.
type Run struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	TaskName    string     `json:"task_name"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result,omitempty"`
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Running    bool   `json:"running"`
	Busy       bool   `json:"busy"`
	Current    string `json:"current,omitempty"`
	Queued     int    `json:"queued"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Panicked   int    `json:"panicked"`
	LastIngest string `json:"last_ingest,omitempty"`
}
