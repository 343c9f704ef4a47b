package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/v1/workflows", 200, time.Millisecond, 0, 100)
	m.RecordExecutionStart("create-product")
	m.RecordExecutionFinish("create-product", "COMPLETED", time.Second)
	m.RecordTimeout("create-product")
	m.RecordStep("create-product", "reserve", "COMPLETED", time.Millisecond)
	m.RecordCompensation("create-product", "succeeded")
	m.RecordClaim("create-product", "acquired")
	m.SetSourceCircuitBreakerState("cdn.example.com", 0)
	m.RecordSourceRetry("cdn.example.com")
	m.RecordProgressEvent("create-product", "log", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"orchestra_http_requests_total",
		"orchestra_http_request_duration_seconds",
		"orchestra_http_request_size_bytes",
		"orchestra_http_response_size_bytes",
		"orchestra_executions_started_total",
		"orchestra_executions_finished_total",
		"orchestra_execution_duration_seconds",
		"orchestra_executions_active",
		"orchestra_execution_timeouts_total",
		"orchestra_step_duration_seconds",
		"orchestra_compensations_total",
		"orchestra_idempotency_claims_total",
		"orchestra_source_circuit_breaker_state",
		"orchestra_source_retries_total",
		"orchestra_progress_events_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/executions/{id}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/executions/{id}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/workflows/{name}/execute", 409, 200*time.Millisecond, 512, 256)

	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/executions/{id}", "200")); val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/workflows/{name}/execute", "409")); val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordExecutionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordExecutionStart("create-product")
	m.RecordExecutionStart("create-product")
	if active := testutil.ToFloat64(m.ExecutionsActive.WithLabelValues("create-product")); active != 2 {
		t.Errorf("active = %v, want 2", active)
	}

	m.RecordExecutionFinish("create-product", "COMPLETED", 2*time.Second)
	if active := testutil.ToFloat64(m.ExecutionsActive.WithLabelValues("create-product")); active != 1 {
		t.Errorf("active after finish = %v, want 1", active)
	}
	if done := testutil.ToFloat64(m.ExecutionsFinishedTotal.WithLabelValues("create-product", "COMPLETED")); done != 1 {
		t.Errorf("finished = %v, want 1", done)
	}
	if started := testutil.ToFloat64(m.ExecutionsStartedTotal.WithLabelValues("create-product")); started != 2 {
		t.Errorf("started = %v, want 2", started)
	}
}

func TestRecordCompensationAndClaims(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCompensation("create-product", "succeeded")
	m.RecordCompensation("create-product", "succeeded")
	m.RecordCompensation("create-product", "failed")
	m.RecordClaim("create-product", "already_running")

	if v := testutil.ToFloat64(m.CompensationsTotal.WithLabelValues("create-product", "succeeded")); v != 2 {
		t.Errorf("succeeded = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.CompensationsTotal.WithLabelValues("create-product", "failed")); v != 1 {
		t.Errorf("failed = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ClaimsTotal.WithLabelValues("create-product", "already_running")); v != 1 {
		t.Errorf("already_running = %v, want 1", v)
	}
}

func TestSetSourceCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetSourceCircuitBreakerState("cdn", 2)
	if v := testutil.ToFloat64(m.SourceCircuitBreakerState.WithLabelValues("cdn")); v != 2 {
		t.Errorf("state = %v, want 2 (open)", v)
	}
	m.SetSourceCircuitBreakerState("cdn", 0)
	if v := testutil.ToFloat64(m.SourceCircuitBreakerState.WithLabelValues("cdn")); v != 0 {
		t.Errorf("state = %v, want 0 (closed)", v)
	}
}

func TestRecordProgressEvent_result(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordProgressEvent("create-product", "redis", nil)
	m.RecordProgressEvent("create-product", "redis", errors.New("conn refused"))

	if v := testutil.ToFloat64(m.ProgressEventsTotal.WithLabelValues("create-product", "redis", "ok")); v != 1 {
		t.Errorf("ok = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ProgressEventsTotal.WithLabelValues("create-product", "redis", "error")); v != 1 {
		t.Errorf("error = %v, want 1", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/executions/exec-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/executions/{id}", "200")); val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.HTTPResponseSizeBytes); count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/executions/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/executions/e1/retry", nil))

	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/executions/{id}/retry", "409")); val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	if val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200")); val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordExecutionStart("create-product")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "orchestra_executions_started_total") {
		t.Error("metrics response should contain orchestra_executions_started_total")
	}
}

func TestHandler_defaultRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("default registry should expose go runtime metrics")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":      httpDurationBuckets,
		"step":      stepDurationBuckets,
		"execution": executionDurationBuckets,
		"body":      bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
