// Package api implements the operational HTTP surface: health, status,
// recent task runs, memory search, Prometheus metrics and a live event
// stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/amicus/internal/agent"
	"github.com/nugget/amicus/internal/buildinfo"
	"github.com/nugget/amicus/internal/connwatch"
	"github.com/nugget/amicus/internal/events"
	"github.com/nugget/amicus/internal/metrics"
	"github.com/nugget/amicus/internal/scheduler"
	"github.com/nugget/amicus/internal/usage"
)

// StatusSource reports the agent's current status.
type StatusSource interface {
	Status(ctx context.Context) (*agent.Status, error)
}

// TaskHistory lists recent scheduler runs.
type TaskHistory interface {
	Recent(ctx context.Context, limit int) ([]*scheduler.Run, error)
}

// MemorySearcher searches long-term memory.
type MemorySearcher interface {
	Search(ctx context.Context, query string, k int) ([]string, error)
}

// UsageLedger aggregates model calls over a time range.
type UsageLedger interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthSource reports the reachability of external services.
type HealthSource interface {
	Ready() bool
	Status() map[string]connwatch.ServiceStatus
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	status  StatusSource
	tasks   TaskHistory
	usage   UsageLedger
	memory  MemorySearcher
	health  HealthSource
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. Optional collaborators are set
// with the Set* methods before [Server.Start].
func NewServer(address string, port int, status StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		status:  status,
		logger:  logger.With("component", "api"),
	}
}

// SetTaskHistory enables GET /v1/tasks.
func (s *Server) SetTaskHistory(h TaskHistory) { s.tasks = h }

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u UsageLedger) { s.usage = u }

// SetMemory enables GET /v1/memory/search.
func (s *Server) SetMemory(m MemorySearcher) { s.memory = m }

// SetEventBus enables GET /v1/events.
func (s *Server) SetEventBus(b *events.Bus) { s.bus = b }

// SetHealth makes GET /health report dependency status.
func (s *Server) SetHealth(h HealthSource) { s.health = h }

// SetMetrics enables GET /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/tasks", s.handleTasks)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/memory/search", s.handleMemorySearch)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns
// [http.ErrServerClosed] after [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// handleHealth answers 200 while every watched service is reachable
// and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, map[string]any{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Ready() {
		status = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, st, s.logger)
}

// handleTasks returns recent task runs, newest first.
// GET /v1/tasks?limit=20
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "task history not configured")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.tasks.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("task history failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "task history unavailable")
		return
	}
	if runs == nil {
		runs = []*scheduler.Run{}
	}
	writeJSON(w, map[string]any{"runs": runs}, s.logger)
}

// handleUsage reports model usage over the trailing window.
// GET /v1/usage?hours=24
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage unavailable")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage unavailable")
		return
	}
	writeJSON(w, map[string]any{
		"start":    start.UTC(),
		"end":      end.UTC(),
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

// handleMemorySearch runs a nearest-neighbor search over long-term
// memory.
// GET /v1/memory/search?q=camping&k=5
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.errorResponse(w, http.StatusBadRequest, "q is required")
		return
	}
	k, err := queryInt(r, "k", 5)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	chunks, err := s.memory.Search(r.Context(), q, k)
	if err != nil {
		s.logger.Error("memory search failed", "query", q, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "memory search failed")
		return
	}
	if chunks == nil {
		chunks = []string{}
	}
	writeJSON(w, map[string]any{"query": q, "results": chunks}, s.logger)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}
