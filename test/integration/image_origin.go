package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ImageOrigin is a configurable HTTP server standing in for the hosts product
// images are copied from. Each path answers with a sequence of responses; the
// last one repeats once the sequence is exhausted.
type ImageOrigin struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	responses map[string][]originResponse
	hits      map[string]int
}

type originResponse struct {
	status   int
	body     []byte
	cutShort bool
}

// ImageMock configures the responses for one image path.
type ImageMock struct {
	origin *ImageOrigin
	path   string
}

func newImageOrigin(t *testing.T) *ImageOrigin {
	t.Helper()

	o := &ImageOrigin{
		t:         t,
		responses: make(map[string][]originResponse),
		hits:      make(map[string]int),
	}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.server.Close)
	return o
}

// URL returns the absolute URL of path on the origin.
func (o *ImageOrigin) URL(path string) string {
	return o.server.URL + path
}

// Host returns the origin's host:port, the circuit breaker key.
func (o *ImageOrigin) Host() string {
	return o.server.Listener.Addr().String()
}

// OnImage returns a builder for the responses served at path.
func (o *ImageOrigin) OnImage(path string) *ImageMock {
	return &ImageMock{origin: o, path: path}
}

// Hits returns how many requests path received.
func (o *ImageOrigin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// TotalHits returns how many requests the origin received.
func (o *ImageOrigin) TotalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.hits {
		n += h
	}
	return n
}

// Serve answers with a JPEG body.
func (m *ImageMock) Serve(body string) *ImageMock {
	return m.add(originResponse{status: http.StatusOK, body: []byte(body)})
}

// RespondWith answers with status and an empty body.
func (m *ImageMock) RespondWith(status int) *ImageMock {
	return m.add(originResponse{status: status})
}

// CutShort promises more bytes than it sends, then drops the connection.
func (m *ImageMock) CutShort() *ImageMock {
	return m.add(originResponse{status: http.StatusOK, body: []byte("partial-jpeg"), cutShort: true})
}

func (m *ImageMock) add(r originResponse) *ImageMock {
	m.origin.mu.Lock()
	defer m.origin.mu.Unlock()
	m.origin.responses[m.path] = append(m.origin.responses[m.path], r)
	return m
}

func (o *ImageOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	n := o.hits[r.URL.Path]
	o.hits[r.URL.Path] = n + 1
	seq := o.responses[r.URL.Path]
	o.mu.Unlock()

	if len(seq) == 0 {
		http.NotFound(w, r)
		return
	}
	resp := seq[min(n, len(seq)-1)]

	w.Header().Set("Content-Type", "image/jpeg")
	if resp.cutShort {
		w.Header().Set("Content-Length", fmt.Sprint(len(resp.body)*100))
		w.WriteHeader(resp.status)
		w.Write(resp.body)
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	w.WriteHeader(resp.status)
	w.Write(resp.body)
}
