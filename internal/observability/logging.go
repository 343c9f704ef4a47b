package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/orchestra/internal/config"
	"github.com/pitabwire/orchestra/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, panics), compensation failures
//   - warn:  Claim conflicts, degraded outcomes, circuit breaker open, timeouts
//   - info:  Execution start/finish, retries, cancellations
//   - debug: Step start/finish, progress events, claim bookkeeping
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// ExecutionLogger returns a logger scoped to one workflow execution. The
// trace_id and span_id fields are added when ctx carries an active span.
func ExecutionLogger(ctx context.Context, fallback *zap.Logger, executionID, workflowName, correlationID string) *zap.Logger {
	fields := []zap.Field{
		zap.String("execution_id", executionID),
		zap.String("workflow", workflowName),
		zap.String("correlation_id", correlationID),
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID), zap.String("span_id", SpanIDFromContext(ctx)))
	}
	return LoggerFrom(ctx, fallback).With(fields...)
}

// defaultSensitiveFields is the default set of field names that should be
// redacted before step snapshots are persisted or logged.
var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"credit_card":   true,
	"card_number":   true,
	"cvv":           true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". The sensitiveFields list is merged with default sensitive
// field names. Nested maps and slices of maps are walked.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}
	return redactMap(body, redactSet)
}

func redactMap(body map[string]any, redactSet map[string]bool) map[string]any {
	result := make(map[string]any, len(body))
	for k, v := range body {
		if redactSet[k] {
			result[k] = "[REDACTED]"
			continue
		}
		result[k] = redactValue(v, redactSet)
	}
	return result
}

func redactValue(v any, redactSet map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, redactSet)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, redactSet)
		}
		return out
	default:
		return v
	}
}
