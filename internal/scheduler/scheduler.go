package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nugget/amicus/internal/events"
	"github.com/nugget/amicus/internal/metrics"
)

const (
	// DefaultIngestEvery is the minimum gap between ingestion passes.
	DefaultIngestEvery = time.Minute
	// DefaultIdleWake is how long an idle worker waits before running
	// maintenance.
	DefaultIdleWake = time.Second
)

// Options configure the worker's maintenance duties and observers.
type Options struct {
	// Maintenance runs when the queue is empty, typically a scan for
	// channels that are owed a reply.
	Maintenance func(ctx context.Context)
	// Ingest runs during idle maintenance at most once per IngestEvery.
	Ingest      func(ctx context.Context)
	IngestEvery time.Duration
	IdleWake    time.Duration

	History *History
	Events  *events.Bus
	Metrics *metrics.Metrics
}

// Scheduler owns the task queue and the single worker goroutine. All
// of its mutable state is guarded by mu; cond is signalled whenever a
// task is queued or a stop is requested.
type Scheduler struct {
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []*Task
	running    bool
	stopping   bool
	closed     bool
	busy       bool
	current    string
	lastIngest time.Time
	completed  int
	failed     int
	panicked   int
	cancelCtx  func() bool
	wg         sync.WaitGroup
}

// New creates a scheduler. Tasks may be queued before Start.
func New(logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IngestEvery <= 0 {
		opts.IngestEvery = DefaultIngestEvery
	}
	if opts.IdleWake <= 0 {
		opts.IdleWake = DefaultIdleWake
	}
	s := &Scheduler{
		logger: logger.With("component", "scheduler"),
		opts:   opts,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue appends a task to the queue and wakes the worker.
func (s *Scheduler) Enqueue(task *Task) error {
	_, err := s.enqueue(task, false)
	return err
}

// EnqueueOnce queues task unless a task with the same Key is already
// waiting. It reports whether the task was queued. A task that is
// currently running does not count as waiting.
func (s *Scheduler) EnqueueOnce(task *Task) (bool, error) {
	return s.enqueue(task, true)
}

func (s *Scheduler) enqueue(task *Task, unique bool) (bool, error) {
	if task == nil || task.Run == nil {
		return false, fmt.Errorf("enqueue: task has no work")
	}
	if task.ID == "" {
		task.ID = NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSchedulerStopped
	}
	if unique && task.Key != "" {
		for _, q := range s.queue {
			if q.Key == task.Key {
				return false, nil
			}
		}
	}
	task.QueuedAt = time.Now()
	s.queue = append(s.queue, task)
	s.opts.Metrics.SetQueueLength(len(s.queue))
	s.cond.Signal()
	return true, nil
}

// Start launches the worker. Calling Start twice is a no-op. The
// worker stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.cancelCtx = context.AfterFunc(ctx, s.requestStop)
	s.mu.Unlock()

	if s.opts.History != nil {
		if n, err := s.opts.History.MarkInterrupted(ctx); err != nil {
			s.logger.Warn("failed to close out interrupted runs", "error", err)
		} else if n > 0 {
			s.logger.Info("closed out runs interrupted by a previous exit", "runs", n)
		}
	}

	s.wg.Add(1)
	go s.loop(context.WithoutCancel(ctx))

	s.logger.Debug("scheduler started", "idle_wake", s.opts.IdleWake, "ingest_every", s.opts.IngestEvery)
	return nil
}

func (s *Scheduler) requestStop() {
	s.mu.Lock()
	s.stopping = true
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stop asks the worker to exit and waits for the task in flight, if
// any, to finish. Tasks still queued are dropped. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	dropped := len(s.queue)
	s.queue = nil
	s.stopping = true
	s.closed = true
	wasRunning := s.running
	s.running = false
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	if wasRunning {
		s.logger.Info("scheduler stopped", "dropped", dropped)
	}
}

// next blocks until a task is queued, a stop is requested, or the idle
// wake elapses. It returns (nil, true) when the worker should run
// maintenance and (nil, false) when it should exit.
func (s *Scheduler) next() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 && !s.stopping {
		woke := false
		timer := time.AfterFunc(s.opts.IdleWake, func() {
			s.mu.Lock()
			woke = true
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		for len(s.queue) == 0 && !s.stopping && !woke {
			s.cond.Wait()
		}
		timer.Stop()
	}

	if s.stopping {
		return nil, false
	}
	if len(s.queue) == 0 {
		return nil, true
	}

	task := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.busy = true
	s.current = task.Name
	s.opts.Metrics.SetQueueLength(len(s.queue))
	return task, true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		task, ok := s.next()
		if !ok {
			return
		}
		if task == nil {
			s.maintain(ctx)
			continue
		}
		s.run(ctx, task)
	}
}

// run executes one task. Errors and panics are logged and recorded;
// neither stops the worker, and busy is always cleared.
func (s *Scheduler) run(ctx context.Context, task *Task) {
	start := time.Now()
	record := &Run{
		ID:        NewID(),
		TaskID:    task.ID,
		TaskName:  task.Name,
		QueuedAt:  task.QueuedAt,
		StartedAt: start,
		Status:    StatusRunning,
	}
	if s.opts.History != nil {
		if err := s.opts.History.Start(ctx, record); err != nil {
			s.logger.Warn("failed to record task start", "task", task.Name, "error", err)
		}
	}
	s.opts.Events.Emit(events.SourceScheduler, events.KindTaskStarted, map[string]any{
		"task_id":   task.ID,
		"task_name": task.Name,
	})
	s.logger.Debug("running task", "task_id", task.ID, "task", task.Name, "waited", start.Sub(task.QueuedAt))

	err := s.safeRun(ctx, task)
	elapsed := time.Since(start)

	var pe *panicError
	status := StatusCompleted
	switch {
	case errors.As(err, &pe):
		status = StatusPanicked
		s.logger.Error("task panicked", "task_id", task.ID, "task", task.Name, "error", err)
		s.logger.Debug("task panic stack", "task", task.Name, "stack", string(pe.stack))
	case err != nil:
		status = StatusFailed
		s.logger.Error("task failed", "task_id", task.ID, "task", task.Name, "error", err)
	default:
		s.logger.Debug("task completed", "task_id", task.ID, "task", task.Name, "elapsed", elapsed)
	}

	s.mu.Lock()
	s.busy = false
	s.current = ""
	switch status {
	case StatusPanicked:
		s.panicked++
	case StatusFailed:
		s.failed++
	default:
		s.completed++
	}
	s.mu.Unlock()

	s.opts.Metrics.RecordTask(metricStatus(status), elapsed.Seconds())
	s.opts.Events.Emit(events.SourceScheduler, events.KindTaskDone, map[string]any{
		"task_id":     task.ID,
		"task_name":   task.Name,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})

	if s.opts.History != nil {
		done := time.Now()
		record.CompletedAt = &done
		record.Status = status
		if err != nil {
			record.Result = err.Error()
		}
		if herr := s.opts.History.Finish(ctx, record); herr != nil {
			s.logger.Warn("failed to record task result", "task", task.Name, "error", herr)
		}
	}
}

// panicError carries a recovered panic out of a task.
type panicError struct {
	task  string
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in task %s: %v", e.task, e.value)
}

func (s *Scheduler) safeRun(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{task: task.Name, value: r, stack: debug.Stack()}
		}
	}()
	return task.Run(ctx)
}

func metricStatus(st RunStatus) string {
	switch st {
	case StatusFailed:
		return "error"
	case StatusPanicked:
		return "panic"
	default:
		return "ok"
	}
}

// maintain runs the idle duties: the response scan every time, and
// ingestion when IngestEvery has elapsed since the last pass.
func (s *Scheduler) maintain(ctx context.Context) {
	if s.opts.Maintenance != nil {
		s.guard("scan", func() { s.opts.Maintenance(ctx) })
	}

	if s.opts.Ingest == nil {
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastIngest) >= s.opts.IngestEvery
	if due {
		s.lastIngest = time.Now()
	}
	s.mu.Unlock()
	if due {
		s.guard("ingest", func() { s.opts.Ingest(ctx) })
	}
}

func (s *Scheduler) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance panicked", "duty", name, "panic", r)
		}
	}()
	fn()
	s.opts.Events.Emit(events.SourceScheduler, events.KindMaintenance, map[string]any{"ran": name})
}

// Busy reports whether a task is executing right now.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// QueueLen returns the number of tasks waiting.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns a snapshot of the worker's state and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Running:   s.running,
		Busy:      s.busy,
		Current:   s.current,
		Queued:    len(s.queue),
		Completed: s.completed,
		Failed:    s.failed,
		Panicked:  s.panicked,
	}
	if !s.lastIngest.IsZero() {
		st.LastIngest = s.lastIngest.UTC().Format(time.RFC3339)
	}
	return st
}
