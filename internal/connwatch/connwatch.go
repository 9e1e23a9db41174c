// Package connwatch watches the agent's external dependencies, such
// as the model server, and reports when they come and go.
//
// A watcher probes its service with exponential backoff until the
// first success or until its startup retries run out, then settles
// into periodic polling. Every ready/down transition is logged,
// published on the event bus, and handed to the optional callbacks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/amicus/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds the startup phase; polling continues after.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig retries at 2s, 4s, 8s ... capped at 60s, ten
// times, then polls every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)
}

// ServiceStatus is the JSON health of one service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	bus    *events.Bus
	logger *slog.Logger
	ready  atomic.Bool
	seen   atomic.Bool // a probe has succeeded at least once
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.InitialDelay
	attempts := 0

	for {
		err := w.check(ctx)
		attempts++

		wait := b.PollInterval
		if err != nil && !w.everReady() && attempts < b.MaxRetries {
			w.logger.Debug("startup probe failed, retrying",
				"service", w.cfg.Name,
				"attempt", attempts,
				"next_delay", delay,
				"error", err,
			)
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		} else if err != nil && attempts == b.MaxRetries && !w.everReady() {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.cfg.Name,
				"attempts", attempts,
				"error", err,
			)
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) everReady() bool {
	return w.seen.Load()
}

// check probes once and applies any state transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Load()
	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		w.seen.Store(true)
		w.logger.Info("service ready", "service", w.cfg.Name)
		w.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{
			"service": w.cfg.Name,
		})
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case err != nil && wasReady:
		w.ready.Store(false)
		w.logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.cfg.Name,
			"error":   err.Error(),
		})
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		bus:    m.bus,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Ready reports whether every watched service is reachable.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
