package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics: request flow through
// the data_agent tool, per-tool executions, SQL query outcomes, LLM usage,
// and live SSE session / connection pool gauges.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordRequest("success", time.Since(start).Seconds())
type Metrics struct {
	// RequestCounter counts data_agent requests.
	// Labels: status (success|error|cancelled)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end data_agent latency in seconds.
	RequestDuration prometheus.Histogram

	// ToolCallCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// SQLQueryCounter counts destination SQL executions.
	// Labels: status (success|error)
	SQLQueryCounter *prometheus.CounterVec

	// SQLQueryDuration measures destination query latency in seconds.
	SQLQueryDuration prometheus.Histogram

	// LLMRequestCounter counts LLM completions.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ActiveSessions gauges currently open SSE sessions.
	ActiveSessions prometheus.Gauge

	// ActivePools gauges live destination connection pools.
	ActivePools prometheus.Gauge

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all gateway metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// fresh registry to stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_mcp_requests_total",
				Help: "Total number of data_agent requests by status",
			},
			[]string{"status"},
		),

		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "db_mcp_request_duration_seconds",
				Help:    "End-to-end duration of data_agent requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_mcp_tool_calls_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_mcp_tool_call_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		SQLQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_mcp_sql_queries_total",
				Help: "Total number of destination SQL queries by status",
			},
			[]string{"status"},
		),

		SQLQueryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "db_mcp_sql_query_duration_seconds",
				Help:    "Duration of destination SQL queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_mcp_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_mcp_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_mcp_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_mcp_sse_sessions_active",
				Help: "Current number of open SSE sessions",
			},
		),

		ActivePools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_mcp_db_pools_active",
				Help: "Current number of live destination connection pools",
			},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_mcp_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_mcp_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordRequest records one finished data_agent request.
func (m *Metrics) RecordRequest(status string, durationSeconds float64) {
	m.RequestCounter.WithLabelValues(status).Inc()
	m.RequestDuration.Observe(durationSeconds)
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordSQLQuery records one destination SQL execution.
func (m *Metrics) RecordSQLQuery(status string, durationSeconds float64) {
	m.SQLQueryCounter.WithLabelValues(status).Inc()
	m.SQLQueryDuration.Observe(durationSeconds)
}

// RecordLLMRequest records one LLM completion.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// SetActivePools updates the live pool gauge after registry changes.
func (m *Metrics) SetActivePools(n int) {
	m.ActivePools.Set(float64(n))
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
