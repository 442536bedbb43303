package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the gateway.
// Uses a custom registry; no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Policy metrics.
	PolicyChecksTotal *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// File service metrics.
	FileOperationsTotal *prometheus.CounterVec

	// Outbound network proxy metrics.
	NetworkRequestsTotal   *prometheus.CounterVec
	NetworkRequestDuration *prometheus.HistogramVec

	// Auth metrics.
	AuthAttemptsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		PolicyChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "policy",
			Name:      "checks_total",
			Help:      "Total policy checks performed.",
		}, []string{"policy", "result"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Total command executions.",
		}, []string{"strategy", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"strategy"}),

		FileOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "file",
			Name:      "operations_total",
			Help:      "Total file service operations.",
		}, []string{"operation", "status"}),

		NetworkRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "network",
			Name:      "requests_total",
			Help:      "Total proxied outbound requests.",
		}, []string{"method", "status"}),

		NetworkRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "network",
			Name:      "request_duration_seconds",
			Help:      "Proxied outbound request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total authentication attempts.",
		}, []string{"method", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.PolicyChecksTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.FileOperationsTotal,
		m.NetworkRequestsTotal,
		m.NetworkRequestDuration,
		m.AuthAttemptsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
