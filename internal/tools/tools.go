// Package tools defines the tools available to the agent.
//
// Tools take a single free-form input string chosen by the model and
// return an outcome string that is written back into the reasoning
// scratchpad. A failing tool still produces an outcome: the model is
// told what went wrong and decides what to say about it.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/amicus/internal/metrics"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Input describes what the model should pass as tool_input.
	Input   string                                                   `json:"input"`
	Handler func(ctx context.Context, input string) (string, error) `json:"-"`
}

// Registry holds the tools available to the reasoning loop. Tools are
// registered once at startup; the registry is read-only afterwards and
// safe for concurrent Execute calls.
type Registry struct {
	tools   map[string]*Tool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// SetMetrics enables per-tool execution counters.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog renders the tools for the prompt, one per line:
//
//	search_news: Search for news ... (input: the topic to search for)
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, name := range r.Names() {
		t := r.tools[name]
		fmt.Fprintf(&b, "%s: %s", t.Name, t.Description)
		if t.Input != "" {
			fmt.Fprintf(&b, " (input: %s)", t.Input)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Execute runs a tool by name. The only error returned is one matching
// [ErrUnknownTool]; handler failures become the outcome text.
func (r *Registry) Execute(ctx context.Context, name, input string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &unknownToolError{name: name}
	}

	start := time.Now()
	out, err := tool.Handler(ctx, strings.TrimSpace(input))
	r.metrics.RecordTool(name, err)

	log := r.logger.With("tool", name, "duration", time.Since(start))
	if pass := PassIDFromContext(ctx); pass != "" {
		log = log.With("pass", pass)
	}
	if err != nil {
		log.Warn("tool failed", "error", err)
		return errorOutcome(err), nil
	}
	log.Debug("tool executed", "output_len", len(out))
	return out, nil
}

// outcomeError carries a model-facing message alongside the cause.
type outcomeError struct {
	outcome string
	err     error
}

func (e *outcomeError) Error() string { return e.err.Error() }
func (e *outcomeError) Unwrap() error { return e.err }

// withOutcome wraps err so Execute reports outcome to the model
// instead of the generic "Error: ..." text.
func withOutcome(err error, format string, args ...any) error {
	return &outcomeError{outcome: fmt.Sprintf(format, args...), err: err}
}

func errorOutcome(err error) string {
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.outcome
	}
	return "Error: " + err.Error()
}
