package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/nugget/amicus/internal/agent"
	"github.com/nugget/amicus/internal/connwatch"
	"github.com/nugget/amicus/internal/events"
	"github.com/nugget/amicus/internal/metrics"
	"github.com/nugget/amicus/internal/scheduler"
	"github.com/nugget/amicus/internal/usage"
)

type fakeStatus struct {
	err error
}

func (f *fakeStatus) Status(context.Context) (*agent.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Status{Name: "amicus", Model: "phi3:latest", Version: "dev"}, nil
}

type fakeTasks struct {
	runs      []*scheduler.Run
	lastLimit int
}

func (f *fakeTasks) Recent(_ context.Context, limit int) ([]*scheduler.Run, error) {
	f.lastLimit = limit
	return f.runs, nil
}

type fakeUsage struct {
	window time.Duration
}

func (f *fakeUsage) Summary(_ context.Context, start, end time.Time) (*usage.Summary, error) {
	f.window = end.Sub(start)
	return &usage.Summary{Calls: 3, Passes: 1, PromptTokens: 2400, CompletionTokens: 120}, nil
}

func (f *fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"gemma2:9b": {Calls: 3, Passes: 1}}, nil
}

type fakeMemory struct {
	query string
	k     int
}

func (f *fakeMemory) Search(_ context.Context, query string, k int) ([]string, error) {
	f.query, f.k = query, k
	return []string{"we talked about camping"}, nil
}

func newTestServer(t *testing.T, status StatusSource) *Server {
	t.Helper()
	return NewServer("", 0, status, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("GET %s: decode body: %v\n%s", target, err, rec.Body.String())
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeStatus{})
	rec, body := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("GET /health = %d %v", rec.Code, body)
	}
}

type fakeHealth struct {
	ready bool
}

func (f *fakeHealth) Ready() bool { return f.ready }

func (f *fakeHealth) Status() map[string]connwatch.ServiceStatus {
	return map[string]connwatch.ServiceStatus{
		"ollama": {Name: "ollama", Ready: f.ready},
	}
}

func TestHealth_Degraded(t *testing.T) {
	s := newTestServer(t, &fakeStatus{})
	health := &fakeHealth{ready: false}
	s.SetHealth(health)

	rec, body := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("GET /health = %d %v, want 503 degraded", rec.Code, body)
	}
	services, _ := body["services"].(map[string]any)
	if _, ok := services["ollama"]; !ok {
		t.Errorf("services = %v", body["services"])
	}

	health.ready = true
	rec, body = get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("GET /health = %d %v, want 200 healthy", rec.Code, body)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, &fakeStatus{})
	rec, body := get(t, s.Handler(), "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/status = %d", rec.Code)
	}
	if body["name"] != "amicus" || body["model"] != "phi3:latest" {
		t.Errorf("status body = %v", body)
	}
}

func TestStatus_Error(t *testing.T) {
	s := newTestServer(t, &fakeStatus{err: errors.New("db closed")})
	rec, _ := get(t, s.Handler(), "/v1/status")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("GET /v1/status = %d, want 500", rec.Code)
	}
}

func TestTasks(t *testing.T) {
	s := newTestServer(t, &fakeStatus{})
	rec, _ := get(t, s.Handler(), "/v1/tasks")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured /v1/tasks = %d, want 503", rec.Code)
	}

	tasks := &fakeTasks{runs: []*scheduler.Run{
		{ID: "r1", TaskName: "respond:c1", Status: scheduler.StatusCompleted},
	}}
	s.SetTaskHistory(tasks)

	rec, body := get(t, s.Handler(), "/v1/tasks?limit=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/tasks = %d", rec.Code)
	}
	if tasks.lastLimit != 3 {
		t.Errorf("limit passed = %d, want 3", tasks.lastLimit)
	}
	runs, _ := body["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("runs = %v", body["runs"])
	}
	if name := runs[0].(map[string]any)["task_name"]; name != "respond:c1" {
		t.Errorf("task_name = %v", name)
	}

	rec, _ = get(t, s.Handler(), "/v1/tasks?limit=zero")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	s := newTestServer(t, &fakeStatus{})
	u := &fakeUsage{}
	s.SetUsage(u)

	rec, body := get(t, s.Handler(), "/v1/usage?hours=6")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/usage = %d", rec.Code)
	}
	if u.window != 6*time.Hour {
		t.Errorf("window = %v, want 6h", u.window)
	}
	total, _ := body["total"].(map[string]any)
	if total["calls"] != float64(3) || total["prompt_tokens"] != float64(2400) {
		t.Errorf("total = %v", body["total"])
	}
	byModel, _ := body["by_model"].(map[string]any)
	if _, ok := byModel["gemma2:9b"]; !ok {
		t.Errorf("by_model = %v", body["by_model"])
	}
}

func TestMemorySearch(t *testing.T) {
	s := newTestServer(t, &fakeStatus{})
	mem := &fakeMemory{}
	s.SetMemory(mem)

	rec, _ := get(t, s.Handler(), "/v1/memory/search")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q = %d, want 400", rec.Code)
	}

	rec, body := get(t, s.Handler(), "/v1/memory/search?q=camping&k=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/memory/search = %d", rec.Code)
	}
	if mem.query != "camping" || mem.k != 2 {
		t.Errorf("search called with %q, %d", mem.query, mem.k)
	}
	want := []any{"we talked about camping"}
	if diff := cmp.Diff(want, body["results"]); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeStatus{})
	rec, _ := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unconfigured /metrics = %d, want 404", rec.Code)
	}

	m := metrics.New()
	m.MessageIn()
	s.SetMetrics(m)

	rec, _ = get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "amicus_messages_total{direction=\"in\"} 1") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestEventsStream(t *testing.T) {
	bus := events.New()
	bus.Emit(events.SourceAgent, events.KindPassStart, map[string]any{"pass_id": "p1"})

	s := newTestServer(t, &fakeStatus{})
	s.SetEventBus(bus)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var replayed events.Event
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.Kind != events.KindPassStart {
		t.Errorf("replayed kind = %q", replayed.Kind)
	}

	// Wait for the handler to subscribe before publishing live.
	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Emit(events.SourceAgent, events.KindPassComplete, map[string]any{"pass_id": "p1"})

	var live events.Event
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Kind != events.KindPassComplete || live.Data["pass_id"] != "p1" {
		t.Errorf("live event = %+v", live)
	}
}
