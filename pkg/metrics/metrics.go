package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Common metrics for all services
var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	// Deployment metrics
	DeploymentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployment_requests_total",
			Help: "Total number of API deployment requests by validation outcome",
		},
		[]string{"outcome"},
	)

	ExecutionDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployment_executions_total",
			Help: "Total number of dispatched executions by resulting status",
		},
		[]string{"api_name", "status"},
	)

	ExecutionDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployment_dispatch_duration_seconds",
			Help:    "Time spent dispatching an execution, including any synchronous wait",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	StagedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deployment_staged_bytes_total",
			Help: "Total bytes written to execution staging",
		},
	)

	EngineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_engine_requests_total",
			Help: "Total number of calls to the workflow engine",
		},
		[]string{"operation", "result"},
	)

	// Auth metrics
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Total number of login attempts by result",
		},
		[]string{"result"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(service, method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func RecordHTTPDuration(service, method, path string, duration float64) {
	HTTPRequestDuration.WithLabelValues(service, method, path).Observe(duration)
}

func RecordDeploymentRequest(outcome string) {
	DeploymentRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordExecutionDispatch records the outcome of one dispatch. mode is
// "async" or "sync".
func RecordExecutionDispatch(apiName, status, mode string, duration float64) {
	ExecutionDispatchTotal.WithLabelValues(apiName, status).Inc()
	ExecutionDispatchDuration.WithLabelValues(mode).Observe(duration)
}

func RecordEngineRequest(operation, result string) {
	EngineRequestsTotal.WithLabelValues(operation, result).Inc()
}

func RecordLoginAttempt(result string) {
	LoginAttemptsTotal.WithLabelValues(result).Inc()
}
