package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/orchestra/internal/catalog"
	"github.com/pitabwire/orchestra/internal/observability"
	"github.com/pitabwire/orchestra/internal/workflow"
)

// ProductReader looks up products created by the catalog workflow.
type ProductReader interface {
	Product(ctx context.Context, id string) (catalog.Product, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Engine   *workflow.Engine
	Products ProductReader
	Logger   *zap.Logger

	// Metrics enables request metrics when set; Gatherer backs /metrics.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	Readiness      observability.ReadinessChecks
	HandlerTimeout time.Duration
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints skip request
// logging and the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	readiness := deps.Readiness
	if readiness.WorkflowCount == nil {
		readiness.WorkflowCount = deps.Engine.WorkflowCount
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler(deps.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(BuildRequestContext(logger))
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(deps.HandlerTimeout))

		r.Get("/workflows", handleWorkflowList(deps.Engine))
		r.Post("/workflows/{name}/execute", handleWorkflowExecute(deps.Engine))
		r.Get("/workflows/{name}/stats", handleWorkflowStats(deps.Engine))

		r.Get("/executions", handleExecutionList(deps.Engine))
		r.Get("/executions/active", handleExecutionActive(deps.Engine))
		r.Get("/executions/recent", handleExecutionRecent(deps.Engine))
		r.Get("/executions/{id}", handleExecutionGet(deps.Engine))
		r.Post("/executions/{id}/retry", handleExecutionRetry(deps.Engine))
		r.Post("/executions/{id}/cancel", handleExecutionCancel(deps.Engine))
		r.Post("/executions/{id}/timeout", handleExecutionTimeout(deps.Engine))
		r.Post("/executions/{id}/compensate", handleExecutionCompensate(deps.Engine))

		if deps.Products != nil {
			r.Get("/products/{id}", handleProductGet(deps.Products))
		}
	})

	return r
}
