package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/amicus/internal/events"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func testManager(bus *events.Bus) *Manager {
	return NewManager(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBackoffDefaults(t *testing.T) {
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want explicit 3", got.MaxRetries)
	}
	if got.InitialDelay != 2*time.Second || got.PollInterval != time.Minute {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestWatcher_ReadyAfterRetries(t *testing.T) {
	var attempts, readyCalls atomic.Int32
	bus := events.New()

	m := testManager(bus)
	defer m.Stop()
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "ollama",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 2 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalls.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)
	waitFor(t, "OnReady", func() bool { return readyCalls.Load() == 1 })

	st := w.Status()
	if !st.Ready || st.LastError != "" || st.LastCheck.IsZero() {
		t.Errorf("Status() = %+v", st)
	}
	if !m.Ready() {
		t.Error("Manager.Ready() = false with all services up")
	}

	var up int
	for _, e := range bus.Recent(events.DefaultHistory) {
		if e.Kind == events.KindServiceUp && e.Data["service"] == "ollama" {
			up++
		}
	}
	if up != 1 {
		t.Errorf("service_up events = %d, want 1", up)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var downCalls atomic.Int32

	m := testManager(events.New())
	defer m.Stop()
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "discord",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("gateway closed")
		},
		Backoff: testBackoff(),
		OnDown:  func(error) { downCalls.Add(1) },
	})

	waitFor(t, "ready", w.IsReady)
	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	waitFor(t, "OnDown", func() bool { return downCalls.Load() == 1 })
	if got := w.Status().LastError; got != "gateway closed" {
		t.Errorf("LastError = %q", got)
	}
	if m.Ready() {
		t.Error("Manager.Ready() = true with a service down")
	}

	healthy.Store(true)
	waitFor(t, "recovered", w.IsReady)
}

func TestWatcher_KeepsPollingAfterStartupRetries(t *testing.T) {
	var attempts atomic.Int32
	m := testManager(nil)
	defer m.Stop()

	w := m.Watch(t.Context(), WatcherConfig{
		Name: "never",
		Probe: func(context.Context) error {
			attempts.Add(1)
			return errors.New("nope")
		},
		Backoff: testBackoff(),
	})

	waitFor(t, "polling past retries", func() bool { return attempts.Load() > 7 })
	if w.IsReady() {
		t.Error("IsReady() = true for a failing probe")
	}
}

func TestWatcher_StopEndsGoroutine(t *testing.T) {
	m := testManager(nil)
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "stopper",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestManager_Status(t *testing.T) {
	m := testManager(nil)
	defer m.Stop()

	m.Watch(t.Context(), WatcherConfig{Name: "a", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	m.Watch(t.Context(), WatcherConfig{Name: "b", Probe: func(context.Context) error { return errors.New("down") }, Backoff: testBackoff()})

	waitFor(t, "first checks", func() bool {
		st := m.Status()
		return !st["a"].LastCheck.IsZero() && !st["b"].LastCheck.IsZero()
	})
	st := m.Status()
	if len(st) != 2 || !st["a"].Ready || st["b"].Ready {
		t.Errorf("Status() = %+v", st)
	}
}

func TestWatch_PanicsOnBadConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing probe")
		}
	}()
	testManager(nil).Watch(t.Context(), WatcherConfig{Name: "x"})
}
