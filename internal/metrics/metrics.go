package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the interface every PayGate component records against.
type Metrics interface {
	RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration)
	RecordGateDecision(tool string, allowed bool, denyReason string)
	RecordCreditsCharged(tool string, credits int64)
	RecordBackendCall(backend string, status string, duration time.Duration)
	SetDBConnectionsActive(count float64)
	RecordDBQuery(operation, status string)
	Handler() http.Handler
}

// NoOpMetrics provides a no-op implementation, used in tests and whenever
// METRICS_ENABLED=false.
type NoOpMetrics struct{}

func (m *NoOpMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
}
func (m *NoOpMetrics) RecordGateDecision(tool string, allowed bool, denyReason string) {}
func (m *NoOpMetrics) RecordCreditsCharged(tool string, credits int64)                 {}
func (m *NoOpMetrics) RecordBackendCall(backend string, status string, duration time.Duration) {
}
func (m *NoOpMetrics) SetDBConnectionsActive(count float64)   {}
func (m *NoOpMetrics) RecordDBQuery(operation, status string) {}
func (m *NoOpMetrics) Handler() http.Handler                  { return http.NotFoundHandler() }

// PrometheusMetrics is the real implementation, registered against its own
// registry so repeated Init() calls in tests don't collide with the global
// default registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	gateDecisions  *prometheus.CounterVec
	creditsCharged *prometheus.CounterVec
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	dbConnsActive  prometheus.Gauge
	dbQueries      *prometheus.CounterVec
}

// NewPrometheusMetrics constructs and registers all PayGate collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	m := &PrometheusMetrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_http_requests_total",
			Help: "Total HTTP requests processed, by method/endpoint/status.",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_gate_decisions_total",
			Help: "Gate decisions, by tool/allowed/deny_reason.",
		}, []string{"tool", "allowed", "deny_reason"}),
		creditsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_credits_charged_total",
			Help: "Credits charged to keys, by tool.",
		}, []string{"tool"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_backend_calls_total",
			Help: "Backend transport calls, by backend/status.",
		}, []string{"backend", "status"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_backend_call_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		dbConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paygate_db_connections_active",
			Help: "Active database connections in the archival pool.",
		}),
		dbQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_db_queries_total",
			Help: "Database queries, by operation/status.",
		}, []string{"operation", "status"}),
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration, m.gateDecisions,
		m.creditsCharged, m.backendCalls, m.backendLatency,
		m.dbConnsActive, m.dbQueries,
	)
	return m
}

func (m *PrometheusMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := statusBucket(statusCode)
	m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	m.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordGateDecision(tool string, allowed bool, denyReason string) {
	m.gateDecisions.WithLabelValues(tool, boolLabel(allowed), denyReason).Inc()
}

func (m *PrometheusMetrics) RecordCreditsCharged(tool string, credits int64) {
	m.creditsCharged.WithLabelValues(tool).Add(float64(credits))
}

func (m *PrometheusMetrics) RecordBackendCall(backend string, status string, duration time.Duration) {
	m.backendCalls.WithLabelValues(backend, status).Inc()
	m.backendLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) SetDBConnectionsActive(count float64) {
	m.dbConnsActive.Set(count)
}

func (m *PrometheusMetrics) RecordDBQuery(operation, status string) {
	m.dbQueries.WithLabelValues(operation, status).Inc()
}

func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Global metrics instance, swapped by Init.
var globalMetrics Metrics = &NoOpMetrics{}

// Init initializes metrics. When enabled is false (or in tests that never
// call Init) the package falls back to NoOpMetrics.
func Init(enabled bool) Metrics {
	if enabled {
		globalMetrics = NewPrometheusMetrics()
	} else {
		globalMetrics = &NoOpMetrics{}
	}
	return globalMetrics
}

// Handler returns the metrics handler.
func Handler() http.Handler {
	return globalMetrics.Handler()
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	globalMetrics.RecordHTTPRequest(method, endpoint, statusCode, duration)
}

// RecordGateDecision records a Gate policy outcome.
func RecordGateDecision(tool string, allowed bool, denyReason string) {
	globalMetrics.RecordGateDecision(tool, allowed, denyReason)
}

// RecordCreditsCharged records credits deducted for a tool call.
func RecordCreditsCharged(tool string, credits int64) {
	globalMetrics.RecordCreditsCharged(tool, credits)
}

// RecordBackendCall records a backend transport call outcome.
func RecordBackendCall(backend string, status string, duration time.Duration) {
	globalMetrics.RecordBackendCall(backend, status, duration)
}

// SetDBConnectionsActive sets the number of active database connections.
func SetDBConnectionsActive(count float64) {
	globalMetrics.SetDBConnectionsActive(count)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(operation, status string) {
	globalMetrics.RecordDBQuery(operation, status)
}
