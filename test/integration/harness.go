// Package integration provides a reusable test harness for end-to-end
// testing of the orchestra server. It starts the full HTTP router with the
// product workflow, in-memory stores, an in-memory bucket, and a mock image
// origin.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gocloud.dev/blob/memblob"

	"github.com/pitabwire/orchestra/internal/catalog"
	"github.com/pitabwire/orchestra/internal/config"
	"github.com/pitabwire/orchestra/internal/idempotency"
	"github.com/pitabwire/orchestra/internal/objectstore"
	"github.com/pitabwire/orchestra/internal/progress"
	"github.com/pitabwire/orchestra/internal/transport"
	"github.com/pitabwire/orchestra/internal/workflow"
	"github.com/pitabwire/orchestra/model"
)

// TestHarness encapsulates a fully wired server with a mock image origin.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Origin   *ImageOrigin
	Engine   *workflow.Engine
	Products *catalog.MemoryRepository
	Bucket   *objectstore.Bucket
	Fetcher  *objectstore.Fetcher

	mu       sync.Mutex
	progress []model.StepProgress
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policy         catalog.Policy
	objectStore    config.ObjectStoreConfig
	handlerTimeout time.Duration
}

// WithPolicy sets the catalog partial-failure policy.
func WithPolicy(p catalog.Policy) HarnessOption {
	return func(c *harnessConfig) {
		c.policy = p
	}
}

// WithCircuitBreaker sets the per-source circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.objectStore.CircuitBreaker = cb
	}
}

// WithUploadRetry sets the image upload retry settings.
func WithUploadRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.objectStore.Retry = r
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		policy:         catalog.PolicyKeepPartial,
		objectStore:    config.Defaults().ObjectStore,
		handlerTimeout: 10 * time.Second,
	}
	hc.objectStore.Retry = config.RetryConfig{
		MaxAttempts:       3,
		BackoffInitial:    time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t)
	h := &TestHarness{t: t}

	// Step 1: Image origin and object store.
	h.Origin = newImageOrigin(t)

	raw := memblob.OpenBucket(nil)
	h.Bucket = objectstore.NewBucket(raw, hc.objectStore.KeyPrefix, hc.objectStore.MaxObjectBytes)
	t.Cleanup(func() { h.Bucket.Close() })

	h.Fetcher = objectstore.NewFetcher(hc.objectStore, nil)
	uploader := objectstore.NewUploader(h.Fetcher, h.Bucket)

	// Step 2: Catalog service.
	h.Products = catalog.NewMemoryRepository()
	svc := catalog.NewService(h.Products, uploader,
		catalog.WithPolicy(hc.policy),
		catalog.WithUploadRetry(workflow.RetryPolicyFromConfig(hc.objectStore.Retry)),
	)

	// Step 3: Engine with in-memory stores.
	h.Engine = workflow.NewEngine(
		workflow.NewRegistry(svc.Workflow()),
		workflow.NewMemoryStore(),
		idempotency.NewMemoryStore(),
		workflow.WithLogger(logger),
		workflow.WithPublisher(progress.PublisherFunc(h.recordProgress)),
	)

	// Step 4: Router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Engine:         h.Engine,
		Products:       svc,
		Logger:         logger,
		HandlerTimeout: hc.handlerTimeout,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func (h *TestHarness) recordProgress(_ context.Context, event model.StepProgress) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, event)
	return nil
}

// Progress returns the step-progress events published so far.
func (h *TestHarness) Progress() []model.StepProgress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.StepProgress(nil), h.progress...)
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- Workflow helpers ---

// CreateProduct runs the product workflow and returns its result.
func (h *TestHarness) CreateProduct(in catalog.CreateProductInput, headers map[string]string) model.WorkflowResult {
	h.t.Helper()
	resp := h.POSTWithHeaders("/v1/workflows/"+string(catalog.CreateProductWorkflow)+"/execute", map[string]any{"input": in}, headers)
	var result model.WorkflowResult
	h.AssertJSON(h.t, resp, http.StatusOK, &result)
	return result
}

// Output decodes a successful product workflow result.
func (h *TestHarness) Output(result model.WorkflowResult) catalog.CreateProductOutput {
	h.t.Helper()
	if !result.Succeeded() {
		h.t.Fatalf("workflow failed: %+v", result.Error)
	}
	var out catalog.CreateProductOutput
	if err := json.Unmarshal(result.Data, &out); err != nil {
		h.t.Fatalf("decode output: %v\ndata: %s", err, result.Data)
	}
	return out
}

// Product fetches a product over HTTP.
func (h *TestHarness) Product(id string) catalog.Product {
	h.t.Helper()
	var p catalog.Product
	h.AssertJSON(h.t, h.GET("/v1/products/"+id), http.StatusOK, &p)
	return p
}

// ObjectExists reports whether key is stored in the bucket.
func (h *TestHarness) ObjectExists(key string) bool {
	h.t.Helper()
	ok, err := h.Bucket.Exists(context.Background(), key)
	if err != nil {
		h.t.Fatalf("bucket exists %s: %v", key, err)
	}
	return ok
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Fixtures ---

// ProductInput returns a create-product input whose images are served by
// the harness origin at paths.
func (h *TestHarness) ProductInput(handle string, paths ...string) catalog.CreateProductInput {
	urls := make([]string, len(paths))
	for i, p := range paths {
		urls[i] = h.Origin.URL(p)
	}
	return catalog.CreateProductInput{
		Handle:    handle,
		Title:     fmt.Sprintf("Product %s", handle),
		ImageURLs: urls,
	}
}
