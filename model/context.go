package model

import "context"

// MetadataIdempotencyKey is the request metadata entry that carries an
// idempotency key when the caller does not set one in WorkflowOptions.
const MetadataIdempotencyKey = "idempotency_key"

// RequestContext carries caller identity and tracing information for one
// inbound call. It is immutable after construction and safe for concurrent
// reads.
type RequestContext struct {
	SubjectID      string
	CorrelationID  string
	IdempotencyKey string
	TraceID        string
	Metadata       map[string]any
}

// MetadataString returns the string metadata entry for key, or "".
func (rc *RequestContext) MetadataString(key string) string {
	if rc == nil || rc.Metadata == nil {
		return ""
	}
	v, _ := rc.Metadata[key].(string)
	return v
}

// ResolveIdempotencyKey returns the explicit key, falling back to the
// idempotency_key metadata entry.
func (rc *RequestContext) ResolveIdempotencyKey() string {
	if rc == nil {
		return ""
	}
	if rc.IdempotencyKey != "" {
		return rc.IdempotencyKey
	}
	return rc.MetadataString(MetadataIdempotencyKey)
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
