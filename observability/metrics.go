package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects agent loop metrics on a private registry. A nil *Metrics
// is valid and records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	http.Handle("/metrics", metrics.Handler())
//	metrics.RecordToolExecution("shell", "success", time.Since(start).Seconds())
type Metrics struct {
	registry *prometheus.Registry

	// TurnCounter counts finished turns.
	// Labels: status (success|error|cancelled|timeout|max_steps)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	TurnDuration prometheus.Histogram

	// StepCounter counts model steps started.
	StepCounter prometheus.Counter

	// LLMRequestCounter counts model stream calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model stream latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval decisions.
	// Labels: decision (approve|approve_for_session|reject)
	ApprovalCounter *prometheus.CounterVec

	// CompactionCounter counts compaction runs.
	// Labels: status (success|noop|error)
	CompactionCounter *prometheus.CounterVec

	// CompactionDuration measures compaction time in seconds.
	CompactionDuration prometheus.Histogram

	// CompactionTokensSaved sums the estimate reduction of compactions.
	CompactionTokensSaved prometheus.Counter
}

// NewMetrics creates the metrics and registers them on a fresh registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry registers the metrics on reg.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		TurnCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kimi_turns_total",
				Help: "Total number of turns by final status",
			},
			[]string{"status"},
		),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kimi_turn_duration_seconds",
			Help:    "Duration of turns in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		StepCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kimi_steps_total",
			Help: "Total number of model steps started",
		}),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kimi_llm_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kimi_llm_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kimi_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kimi_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kimi_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ApprovalCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kimi_approvals_total",
				Help: "Total number of approval decisions",
			},
			[]string{"decision"},
		),
		CompactionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kimi_compactions_total",
				Help: "Total number of compaction runs by status",
			},
			[]string{"status"},
		),
		CompactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kimi_compaction_duration_seconds",
			Help:    "Duration of compaction runs in seconds",
			Buckets: []float64{0.01, 0.1, 1, 5, 10, 30, 60},
		}),
		CompactionTokensSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kimi_compaction_tokens_saved_total",
			Help: "Estimated tokens removed by compaction",
		}),
	}
	reg.MustRegister(
		m.TurnCounter,
		m.TurnDuration,
		m.StepCounter,
		m.LLMRequestCounter,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolExecutionCounter,
		m.ToolExecutionDuration,
		m.ApprovalCounter,
		m.CompactionCounter,
		m.CompactionDuration,
		m.CompactionTokensSaved,
	)
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordStep counts a started step.
func (m *Metrics) RecordStep() {
	if m == nil {
		return
	}
	m.StepCounter.Inc()
}

// RecordLLMRequest records metrics for one model stream.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordApproval counts an approval decision.
func (m *Metrics) RecordApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(decision).Inc()
}

// RecordCompaction records a compaction run.
func (m *Metrics) RecordCompaction(status string, durationSeconds float64, tokensBefore, tokensAfter int) {
	if m == nil {
		return
	}
	m.CompactionCounter.WithLabelValues(status).Inc()
	m.CompactionDuration.Observe(durationSeconds)
	if saved := tokensBefore - tokensAfter; status == "success" && saved > 0 {
		m.CompactionTokensSaved.Add(float64(saved))
	}
}
