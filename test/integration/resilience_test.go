package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/orchestra/internal/catalog"
	"github.com/pitabwire/orchestra/internal/config"
	"github.com/pitabwire/orchestra/internal/objectstore"
)

// ==========================================================================
// Retry
// ==========================================================================

func TestResilience_TransientSourceErrorIsRetried(t *testing.T) {
	h := NewTestHarness(t)
	h.Origin.OnImage("/flaky.jpg").RespondWith(http.StatusServiceUnavailable).Serve("jpeg")

	out := h.Output(h.CreateProduct(h.ProductInput("flaky-hat", "/flaky.jpg"), nil))

	if out.Status != catalog.StatusReady {
		t.Errorf("status = %q, want READY", out.Status)
	}
	if hits := h.Origin.Hits("/flaky.jpg"); hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
}

func TestResilience_RetriesStopAtMaxAttempts(t *testing.T) {
	h := NewTestHarness(t, WithUploadRetry(config.RetryConfig{
		MaxAttempts:    2,
		BackoffInitial: time.Millisecond,
	}))
	h.Origin.OnImage("/down.jpg").RespondWith(http.StatusBadGateway)

	out := h.Output(h.CreateProduct(h.ProductInput("down-scarf", "/down.jpg"), nil))

	if out.Status != catalog.StatusFailed || len(out.FailedImages) != 1 {
		t.Errorf("output = %+v", out)
	}
	if hits := h.Origin.Hits("/down.jpg"); hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
}

// ==========================================================================
// Truncated transfers
// ==========================================================================

func TestResilience_TruncatedBodyLeavesNoObject(t *testing.T) {
	h := NewTestHarness(t, WithUploadRetry(config.RetryConfig{MaxAttempts: 1}))
	h.Origin.OnImage("/ok.jpg").Serve("jpeg")
	h.Origin.OnImage("/cut.jpg").CutShort()

	out := h.Output(h.CreateProduct(h.ProductInput("cut-gloves", "/ok.jpg", "/cut.jpg"), nil))

	if len(out.FailedImages) != 1 || out.FailedImages[0].Position != 2 {
		t.Fatalf("failed images = %+v", out.FailedImages)
	}
	failed := out.FailedImages[0]
	if h.ObjectExists(out.ProductID + "/" + failed.ImageID) {
		t.Error("partial object left in bucket")
	}
}

// ==========================================================================
// Circuit breaker
// ==========================================================================

func TestResilience_CircuitBreakerStopsCallingFailingSource(t *testing.T) {
	h := NewTestHarness(t,
		WithUploadRetry(config.RetryConfig{MaxAttempts: 1}),
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	)
	for _, p := range []string{"/1.jpg", "/2.jpg", "/3.jpg", "/4.jpg"} {
		h.Origin.OnImage(p).RespondWith(http.StatusInternalServerError)
	}

	out := h.Output(h.CreateProduct(h.ProductInput("broken-boots", "/1.jpg", "/2.jpg", "/3.jpg", "/4.jpg"), nil))

	if out.Status != catalog.StatusFailed || len(out.FailedImages) != 4 {
		t.Errorf("output = %+v", out)
	}
	if hits := h.Origin.TotalHits(); hits != 2 {
		t.Errorf("origin hits = %d, want 2 before the breaker opened", hits)
	}
	if state := h.Fetcher.BreakerState(h.Origin.Host()); state != objectstore.BreakerOpen {
		t.Errorf("breaker state = %v, want open", state)
	}
}
