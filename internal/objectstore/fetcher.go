package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pitabwire/orchestra/internal/config"
	"github.com/pitabwire/orchestra/internal/observability"
	"github.com/pitabwire/orchestra/model"
)

// Recorder receives circuit breaker and retry signals per image source.
// *observability.Metrics implements it.
type Recorder interface {
	SetSourceCircuitBreakerState(source string, state float64)
	RecordSourceRetry(source string)
}

type nopRecorder struct{}

func (nopRecorder) SetSourceCircuitBreakerState(string, float64) {}
func (nopRecorder) RecordSourceRetry(string)                     {}

// Source is an open image download. The caller closes Body.
type Source struct {
	Body        io.ReadCloser
	ContentType string
	// Size is the declared Content-Length, or -1.
	Size int64
}

// SourceError is a transient failure fetching an image: a connection error
// or a 5xx answer.
type SourceError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Fetcher downloads images over HTTP with one circuit breaker per source
// host.
type Fetcher struct {
	client   *http.Client
	cfg      config.CircuitBreakerConfig
	recorder Recorder

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewFetcher creates a fetcher. A nil recorder disables metrics.
func NewFetcher(cfg config.ObjectStoreConfig, recorder Recorder) *Fetcher {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		cfg:      cfg.CircuitBreaker,
		recorder: recorder,
		breakers: make(map[string]*Breaker),
	}
}

// Fetch opens rawURL. Invalid URLs, 4xx answers and open breakers return
// *model.ErrorEnvelope errors, which step retry policies treat as final.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (src *Source, err error) {
	ctx, span := observability.StartSpan(ctx, "objectstore.fetch", attribute.String("source.url", rawURL))
	defer func() { observability.EndSpanWithError(span, err) }()

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, rejected("invalid_url", fmt.Sprintf("%q is not an http(s) URL", rawURL))
	}

	host := u.Host
	breaker := f.breaker(host)
	if err := breaker.Allow(); err != nil {
		return nil, model.NewUnavailableError(fmt.Sprintf("image source %s is unavailable: %v", host, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("objectstore: fetch %s: %w", rawURL, context.Cause(ctx))
		}
		f.record(host, breaker, false)
		return nil, &SourceError{URL: rawURL, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		f.record(host, breaker, false)
		return nil, &SourceError{URL: rawURL, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		// 4xx says nothing about the source's health.
		_ = resp.Body.Close()
		return nil, rejected("source_rejected", fmt.Sprintf("%s returned %d", rawURL, resp.StatusCode))
	}

	f.record(host, breaker, true)
	return &Source{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

// RecordRetry counts a retried fetch against the URL's host.
func (f *Fetcher) RecordRetry(rawURL string) {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		f.recorder.RecordSourceRetry(u.Host)
	}
}

// BreakerState returns the breaker state for host.
func (f *Fetcher) BreakerState(host string) BreakerState {
	return f.breaker(host).State()
}

func (f *Fetcher) breaker(host string) *Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[host]
	if !ok {
		b = NewBreaker(f.cfg.FailureThreshold, f.cfg.SuccessThreshold, f.cfg.Timeout)
		f.breakers[host] = b
	}
	return b
}

func (f *Fetcher) record(host string, b *Breaker, success bool) {
	if success {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
	f.recorder.SetSourceCircuitBreakerState(host, float64(b.State()))
}

func rejected(code, msg string) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:    model.ErrValidationError,
		Message: msg,
		Details: []model.FieldError{{Field: "images", Code: code, Message: msg}},
	}
}
