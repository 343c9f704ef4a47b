package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets      = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	executionDurationBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the orchestrator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Execution metrics
	ExecutionsStartedTotal  *prometheus.CounterVec
	ExecutionsFinishedTotal *prometheus.CounterVec
	ExecutionDuration       *prometheus.HistogramVec
	ExecutionsActive        *prometheus.GaugeVec
	ExecutionTimeoutsTotal  *prometheus.CounterVec

	// Step metrics
	StepDuration       *prometheus.HistogramVec
	CompensationsTotal *prometheus.CounterVec

	// Idempotency metrics
	ClaimsTotal *prometheus.CounterVec

	// Object store metrics
	SourceCircuitBreakerState *prometheus.GaugeVec
	SourceRetriesTotal        *prometheus.CounterVec

	// Progress metrics
	ProgressEventsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestra_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestra_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestra_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Executions
		ExecutionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_executions_started_total",
			Help: "Total number of workflow executions started.",
		}, []string{"workflow"}),
		ExecutionsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_executions_finished_total",
			Help: "Total number of workflow executions that reached a terminal status.",
		}, []string{"workflow", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestra_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds.",
			Buckets: executionDurationBuckets,
		}, []string{"workflow", "status"}),
		ExecutionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestra_executions_active",
			Help: "Number of executions currently running in this process.",
		}, []string{"workflow"}),
		ExecutionTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_execution_timeouts_total",
			Help: "Total number of executions marked TIMEOUT.",
		}, []string{"workflow"}),

		// Steps
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestra_step_duration_seconds",
			Help:    "Workflow step duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"workflow", "step", "status"}),
		CompensationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_compensations_total",
			Help: "Total number of compensations run, by result.",
		}, []string{"workflow", "result"}),

		// Idempotency
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_idempotency_claims_total",
			Help: "Total number of idempotency claims, by result.",
		}, []string{"workflow", "result"}),

		// Object store
		SourceCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestra_source_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"source"}),
		SourceRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_source_retries_total",
			Help: "Total number of image source fetch retries.",
		}, []string{"source"}),

		// Progress
		ProgressEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestra_progress_events_total",
			Help: "Total number of step progress events published.",
		}, []string{"workflow", "publisher", "result"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.ExecutionsStartedTotal,
		m.ExecutionsFinishedTotal,
		m.ExecutionDuration,
		m.ExecutionsActive,
		m.ExecutionTimeoutsTotal,
		m.StepDuration,
		m.CompensationsTotal,
		m.ClaimsTotal,
		m.SourceCircuitBreakerState,
		m.SourceRetriesTotal,
		m.ProgressEventsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordExecutionStart records an execution entering RUNNING.
func (m *Metrics) RecordExecutionStart(workflow string) {
	m.ExecutionsStartedTotal.WithLabelValues(workflow).Inc()
	m.ExecutionsActive.WithLabelValues(workflow).Inc()
}

// RecordExecutionFinish records an execution reaching a terminal status.
func (m *Metrics) RecordExecutionFinish(workflow, status string, duration time.Duration) {
	m.ExecutionsFinishedTotal.WithLabelValues(workflow, status).Inc()
	m.ExecutionDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
	m.ExecutionsActive.WithLabelValues(workflow).Dec()
}

// RecordStep records the duration and final status of a step.
func (m *Metrics) RecordStep(workflow, step, status string, duration time.Duration) {
	m.StepDuration.WithLabelValues(workflow, step, status).Observe(duration.Seconds())
}

// RecordCompensation records a compensation result: succeeded or failed.
func (m *Metrics) RecordCompensation(workflow, result string) {
	m.CompensationsTotal.WithLabelValues(workflow, result).Inc()
}

// RecordClaim records an idempotency claim result.
func (m *Metrics) RecordClaim(workflow, result string) {
	m.ClaimsTotal.WithLabelValues(workflow, result).Inc()
}

// RecordTimeout records an execution timeout.
func (m *Metrics) RecordTimeout(workflow string) {
	m.ExecutionTimeoutsTotal.WithLabelValues(workflow).Inc()
}

// SetSourceCircuitBreakerState sets the circuit breaker state for an image
// source. State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetSourceCircuitBreakerState(source string, state float64) {
	m.SourceCircuitBreakerState.WithLabelValues(source).Set(state)
}

// RecordSourceRetry records an image source fetch retry.
func (m *Metrics) RecordSourceRetry(source string) {
	m.SourceRetriesTotal.WithLabelValues(source).Inc()
}

// RecordProgressEvent records a published progress event.
func (m *Metrics) RecordProgressEvent(workflow, publisher string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProgressEventsTotal.WithLabelValues(workflow, publisher, result).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer. A nil
// gatherer serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
