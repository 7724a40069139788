package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// All recording methods are safe on a nil *Metrics, so components can take an
// optional metrics handle without guarding every call.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.TurnFinished("completed", time.Since(start))
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: status (completed|failed|rejected)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, site (local|remote), status (completed|failed)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool, site
	ToolExecutionDuration *prometheus.HistogramVec

	// PendingExecutions is the number of remote executions awaiting a result.
	PendingExecutions prometheus.Gauge

	// ToolResultCounter counts settled remote executions.
	// Labels: outcome (resolved|unknown_id|timeout|cancelled)
	ToolResultCounter *prometheus.CounterVec

	// EventCounter counts emitted protocol events.
	// Labels: type
	EventCounter *prometheus.CounterVec

	// LLMRequestCounter counts generation passes.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures generation pass latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec

	// ActiveConversations is the number of live conversations.
	ActiveConversations prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agui_turns_total",
				Help: "Total number of turns by final status",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agui_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agui_tool_executions_total",
				Help: "Total number of tool executions by tool, site, and status",
			},
			[]string{"tool", "site", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agui_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool", "site"},
		),

		PendingExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agui_pending_executions",
				Help: "Number of remote tool executions awaiting a client result",
			},
		),

		ToolResultCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agui_tool_results_total",
				Help: "Total number of settled remote executions by outcome",
			},
			[]string{"outcome"},
		),

		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agui_events_total",
				Help: "Total number of protocol events emitted by type",
			},
			[]string{"type"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agui_llm_requests_total",
				Help: "Total number of generation passes by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agui_llm_request_duration_seconds",
				Help:    "Duration of generation passes in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agui_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agui_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agui_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),

		ActiveConversations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agui_active_conversations",
				Help: "Number of live conversations in the store",
			},
		),
	}
}

// TurnFinished records a finished turn.
func (m *Metrics) TurnFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// ToolExecuted records a tool execution.
func (m *Metrics) ToolExecuted(tool, site, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, site, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool, site).Observe(d.Seconds())
}

// EventEmitted counts one protocol event.
func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(eventType).Inc()
}

// RecordLLMRequest records a generation pass with its token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, d time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// SetActiveConversations sets the live conversation gauge.
func (m *Metrics) SetActiveConversations(n int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(n))
}

// PendingChanged implements pending.Observer.
func (m *Metrics) PendingChanged(active int) {
	if m == nil {
		return
	}
	m.PendingExecutions.Set(float64(active))
}

// ExecutionSettled implements pending.Observer.
func (m *Metrics) ExecutionSettled(outcome string) {
	if m == nil {
		return
	}
	m.ToolResultCounter.WithLabelValues(outcome).Inc()
}
