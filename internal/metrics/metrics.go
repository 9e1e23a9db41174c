// Package metrics exposes Prometheus instruments for the agent. Every
// recording method is safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "amicus"

// Metrics holds the agent's collectors.
type Metrics struct {
	registry *prometheus.Registry

	Messages       *prometheus.CounterVec
	LLMRequests    *prometheus.CounterVec
	LLMDuration    *prometheus.HistogramVec
	LLMTokens      *prometheus.CounterVec
	ToolExecutions *prometheus.CounterVec
	Passes         *prometheus.CounterVec
	PassSteps      prometheus.Histogram
	Tasks          *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	QueueLength    prometheus.Gauge
	ChunksIngested prometheus.Counter
	MemoryVectors  prometheus.Gauge
	IngestFailures prometheus.Counter
}

// New registers the agent's collectors, plus Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Chat messages recorded, by direction (in, out).",
		}, []string{"direction"}),
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Model completions requested, by model and status.",
		}, []string{"model", "status"}),
		LLMDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Model completion latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens processed by the model, by kind (prompt, completion).",
		}, []string{"model", "kind"}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool invocations, by tool and status.",
		}, []string{"tool", "status"}),
		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_passes_total",
			Help:      "Reasoning passes, by outcome.",
		}, []string{"outcome"}),
		PassSteps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reasoning_pass_steps",
			Help:      "Thinking steps taken per reasoning pass.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Scheduler tasks run, by status (ok, error, panic).",
		}, []string{"status"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Scheduler task run time.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_length",
			Help:      "Tasks waiting for the worker.",
		}),
		ChunksIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_chunks_ingested_total",
			Help:      "Chunks written to long-term memory.",
		}),
		MemoryVectors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_vectors",
			Help:      "Vectors in the long-term memory index.",
		}),
		IngestFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_ingest_failures_total",
			Help:      "Ingestion passes that returned an error.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// MessageIn counts an inbound chat message.
func (m *Metrics) MessageIn() {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues("in").Inc()
}

// MessageOut counts a delivered reply.
func (m *Metrics) MessageOut() {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues("out").Inc()
}

// RecordLLM records one model completion.
func (m *Metrics) RecordLLM(model string, seconds float64, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(model, status(err)).Inc()
	if err != nil {
		return
	}
	m.LLMDuration.WithLabelValues(model).Observe(seconds)
	m.LLMTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordTool records one tool invocation.
func (m *Metrics) RecordTool(tool string, err error) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(err)).Inc()
}

// RecordPass records a finished reasoning pass.
func (m *Metrics) RecordPass(outcome string, steps int) {
	if m == nil {
		return
	}
	m.Passes.WithLabelValues(outcome).Inc()
	m.PassSteps.Observe(float64(steps))
}

// RecordTask records a finished scheduler task. status is ok, error
// or panic.
func (m *Metrics) RecordTask(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(status).Inc()
	m.TaskDuration.Observe(seconds)
}

// SetQueueLength reports the scheduler backlog.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

// RecordIngest records an ingestion pass over all channels.
func (m *Metrics) RecordIngest(chunks, vectors int, err error) {
	if m == nil {
		return
	}
	m.ChunksIngested.Add(float64(chunks))
	m.MemoryVectors.Set(float64(vectors))
	if err != nil {
		m.IngestFailures.Inc()
	}
}
