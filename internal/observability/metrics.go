// Package observability provides Prometheus metrics and structured logging
// setup for the gateway.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central registry of gateway metrics, created once at
// startup and passed to the subsystems that record into it.
type Metrics struct {
	// LLMRequestDuration measures model call latency in seconds.
	// Labels: variant (nano|mini|chat|full)
	// Buckets: 0.1s, 0.25s, 0.5s, 1s, 1.5s, 3s, 5s, 10s, 30s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: variant, status (success|error|fallback|cached)
	LLMRequestCounter *prometheus.CounterVec

	// LLMCostUnits accumulates cost weight units.
	// Labels: kind (baseline|actual)
	LLMCostUnits *prometheus.CounterVec

	// CacheOps counts cache operations by result.
	// Labels: op (get|set|delete), result (hit|miss|ok|error)
	CacheOps *prometheus.CounterVec

	// ActiveConnections is the live websocket connection count.
	ActiveConnections prometheus.Gauge

	// FramesSent counts outbound frames.
	// Labels: type (response|stream|batch|heartbeat|...)
	FramesSent *prometheus.CounterVec

	// BroadcastFanout measures per-broadcast target counts.
	// Buckets: 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000
	BroadcastFanout prometheus.Histogram

	// WorkflowExecutions counts workflow runs by terminal status.
	// Labels: workflow, status
	WorkflowExecutions *prometheus.CounterVec

	// WorkflowDuration measures workflow run time in seconds.
	// Labels: workflow
	// Buckets: 0.5s, 1s, 5s, 15s, 60s, 300s, 900s
	WorkflowDuration *prometheus.HistogramVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// RateLimited counts rejected requests.
	// Labels: window (minute|hour|burst)
	RateLimited *prometheus.CounterVec

	// AuditEvents counts audit writes by severity.
	// Labels: severity
	AuditEvents *prometheus.CounterVec
}

// NewMetrics registers all gateway metrics with the default registry. Call
// once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against an explicit registerer, for tests.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_llm_request_duration_seconds",
				Help:    "Duration of model service calls in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 1.5, 3, 5, 10, 30},
			},
			[]string{"variant"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_llm_requests_total",
				Help: "Total model service calls by variant and status",
			},
			[]string{"variant", "status"},
		),

		LLMCostUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_llm_cost_units_total",
				Help: "Accumulated cost weight units, baseline vs actual",
			},
			[]string{"kind"},
		),

		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "copilot_active_connections",
				Help: "Current number of websocket connections",
			},
		),

		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_frames_sent_total",
				Help: "Outbound websocket frames by type",
			},
			[]string{"type"},
		),

		BroadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "copilot_broadcast_fanout",
				Help:    "Number of targets per broadcast",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		WorkflowExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_workflow_executions_total",
				Help: "Workflow executions by workflow and terminal status",
			},
			[]string{"workflow", "status"},
		),

		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_workflow_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"workflow"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_rate_limited_total",
				Help: "Requests rejected by the rate limiter, by window",
			},
			[]string{"window"},
		),

		AuditEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_audit_events_total",
				Help: "Audit events written, by severity",
			},
			[]string{"severity"},
		),
	}
}
