package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/orchestra/internal/config"
)

// setupTestTracer creates an in-memory span exporter and configures a
// TracerProvider that always samples.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "orchestrad", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1.0}
	shutdown, err := InitTracing(context.Background(), cfg, "orchestrad", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "orchestrad", "1.0.0")
	if err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_attributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "step.reserve",
		AttrWorkflow.String("create-product"),
		AttrExecutionID.String("exec-1"),
		AttrStepIndex.Int(0),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := spanAttrMap(spans[0])
	if attrs["orchestra.workflow"] != "create-product" {
		t.Errorf("orchestra.workflow = %q", attrs["orchestra.workflow"])
	}
	if attrs["orchestra.execution_id"] != "exec-1" {
		t.Errorf("orchestra.execution_id = %q", attrs["orchestra.execution_id"])
	}
	if attrs["orchestra.step_index"] != "0" {
		t.Errorf("orchestra.step_index = %q", attrs["orchestra.step_index"])
	}
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the created span")
	}
}

func TestStartSpan_parentChild(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "workflow.execute")
	_, child := StartSpan(ctx, "step.reserve")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("parent and child should share the same trace ID")
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child parent span ID should match parent span ID")
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := StartSpan(context.Background(), "step.upload")
	EndSpanWithError(failed, errors.New("bucket unavailable"))
	_, ok := StartSpan(context.Background(), "step.finalize")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "bucket unavailable" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an error event on the failed span")
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("status should not be Error when err is nil")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", got)
	}

	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "trace.id.test")
	defer span.End()

	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %q", got, span.SpanContext().TraceID().String())
	}
	if SpanIDFromContext(ctx) == "" {
		t.Error("SpanIDFromContext should return a non-empty span ID")
	}
}

func TestTracingMiddleware_createsServerSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/workflows/create-product/execute", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /v1/workflows/create-product/execute" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.response.status_code"] != "202" {
		t.Errorf("http.response.status_code = %q, want 202", attrs["http.response.status_code"])
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should have Traceparent header")
	}
}

func TestTracingMiddleware_500_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/executions", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected one error span, got %+v", spans)
	}
}

func TestTracingMiddleware_extractsTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/v1/executions/active", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].SpanContext.TraceID().String() != traceID {
		t.Errorf("trace ID = %q, want %q", spans[0].SpanContext.TraceID().String(), traceID)
	}
	if spans[0].Parent.SpanID().String() != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", spans[0].Parent.SpanID().String(), parentSpanID)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "source.fetch")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("InjectTraceHeaders should set Traceparent header")
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 0, want: "TraceIDRatioBased{0.1}"},
		{rate: 0.5, want: "TraceIDRatioBased{0.5}"},
		{rate: 1.0, want: "AlwaysOnSampler"},
		{rate: 2.0, want: "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := newSampler(config.TracingConfig{SamplingRate: tt.rate}).Description()
		if !strings.HasPrefix(desc, "ParentBased{") || !strings.Contains(desc, tt.want) {
			t.Errorf("newSampler(%v) = %q, want ParentBased root %s", tt.rate, desc, tt.want)
		}
	}
}

// spanAttrMap converts a span's attributes to a map[string]string for easier assertion.
func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
