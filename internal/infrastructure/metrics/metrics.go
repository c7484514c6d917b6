package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Completion proxy metrics.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpproxy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mcpproxy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "endpoint"},
	)

	RoundsTotal = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mcpproxy",
			Subsystem: "orchestrator",
			Name:      "rounds_per_request",
			Help:      "Number of completion rounds run per request",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 12, 20},
		},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpproxy",
			Subsystem: "orchestrator",
			Name:      "tool_calls_total",
			Help:      "Total MCP tool invocations dispatched",
		},
		[]string{"tool_name", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mcpproxy",
			Subsystem: "orchestrator",
			Name:      "tool_call_duration_seconds",
			Help:      "MCP tool call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool_name"},
	)

	MCPSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcpproxy",
			Subsystem: "mcp",
			Name:      "sessions_active",
			Help:      "Number of currently initialized MCP sessions",
		},
	)

	MCPSessionReinitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpproxy",
			Subsystem: "mcp",
			Name:      "session_reinits_total",
			Help:      "Total MCP session re-initializations, keyed by reason",
		},
		[]string{"server_url", "reason"},
	)
)

// RecordRequest records an HTTP request.
func RecordRequest(method, endpoint, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

// RecordRounds records how many orchestrator rounds a request took.
func RecordRounds(rounds int) {
	RoundsTotal.Observe(float64(rounds))
}

// RecordToolCall records an MCP tool invocation.
func RecordToolCall(toolName, status string, durationSec float64) {
	ToolCallsTotal.WithLabelValues(toolName, status).Inc()
	ToolCallDuration.WithLabelValues(toolName).Observe(durationSec)
}

// RecordSessionReinit records an MCP session re-initialization.
func RecordSessionReinit(serverURL, reason string) {
	MCPSessionReinitsTotal.WithLabelValues(serverURL, reason).Inc()
}
