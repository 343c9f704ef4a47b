package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/orchestra/internal/config"
	"github.com/pitabwire/orchestra/internal/observability"
	"github.com/pitabwire/orchestra/model"
)

// StepResponse is what a step's Execute returns: the output handed to the
// next step, and the data its compensation will need.
type StepResponse[O any] struct {
	Output O
	// CompensationData is captured when the step succeeds and passed to
	// Compensate unchanged, regardless of what later steps do.
	CompensationData any
	// Key identifies the side effect (an object key, a reservation ID). It is
	// appended to the compensation label.
	Key string
}

// NewStepResponse wraps out in a StepResponse.
func NewStepResponse[O any](out O) StepResponse[O] {
	return StepResponse[O]{Output: out}
}

// WithCompensation returns a copy of r carrying data for Compensate.
func (r StepResponse[O]) WithCompensation(data any) StepResponse[O] {
	r.CompensationData = data
	return r
}

// WithKey returns a copy of r identifying its side effect by key.
func (r StepResponse[O]) WithKey(key string) StepResponse[O] {
	r.Key = key
	return r
}

// RetryPolicy retries a failing Execute with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt. Values below 2 disable retry.
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// Retryable decides whether err warrants another attempt. The default
	// retries plain errors and STEP_TIMEOUT. Other *model.ErrorEnvelope
	// errors and context cancellation are permanent. A timed-out attempt is
	// abandoned, not stopped, so Execute must tolerate an overlapping retry.
	Retryable func(err error) bool
	// OnRetry is called before each retry with the error that caused it.
	OnRetry func(err error, wait time.Duration)
}

// RetryPolicyFromConfig builds a policy from configuration.
func RetryPolicyFromConfig(cfg config.RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.BackoffInitial,
		Multiplier:      cfg.BackoffMultiplier,
		MaxInterval:     cfg.BackoffMax,
	}
}

func (p *RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	var envelope *model.ErrorEnvelope
	if errors.As(err, &envelope) {
		return envelope.Code == model.ErrStepTimeout
	}
	return !errors.Is(err, context.Canceled)
}

func (p *RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Step is a named, independently recorded unit of work.
type Step[I, O any] struct {
	Name string
	// Execute performs the work. Required.
	Execute func(ctx context.Context, in I, wctx *Context) (StepResponse[O], error)
	// Compensate undoes a successful Execute during an unwind. It receives
	// the CompensationData and output that Execute returned.
	Compensate func(ctx context.Context, in I, wctx *Context, data any, out O) error
	// Retry is optional.
	Retry *RetryPolicy
	// Timeout bounds each attempt when positive.
	Timeout time.Duration
	// TotalSteps is an optional hint recorded on the step event.
	TotalSteps int
}

// StepError wraps the error a step failed with.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (index %d): %v", e.Step, e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Invoke runs the step within wctx: it records a RUNNING event, calls
// Execute (retrying and timing out per the step's settings), records the
// outcome, and on success registers the step's compensation. A failure is
// returned as *StepError.
func (s Step[I, O]) Invoke(ctx context.Context, in I, wctx *Context) (O, error) {
	var zero O
	index := wctx.NextStepIndex()
	logger := wctx.logger.With(zap.String("step", s.Name), zap.Int("step_index", index))

	if s.Execute == nil {
		return zero, &StepError{Step: s.Name, Index: index, Err: errors.New("step has no Execute function")}
	}

	start := time.Now()
	event := model.WorkflowStepEvent{
		ID:            uuid.New().String(),
		ExecutionID:   wctx.executionID,
		WorkflowName:  wctx.workflowName,
		StepName:      s.Name,
		StepIndex:     index,
		TotalSteps:    s.TotalSteps,
		Status:        model.StepRunning,
		Input:         snapshot(in),
		CorrelationID: wctx.correlationID,
		StartedAt:     start.UTC(),
	}
	if wctx.events != nil {
		if err := wctx.events.AppendStepEvent(ctx, event); err != nil {
			return zero, &StepError{Step: s.Name, Index: index, Err: fmt.Errorf("record step start: %w", err)}
		}
	}

	ctx, span := observability.StartSpan(ctx, "step "+s.Name,
		observability.AttrWorkflow.String(wctx.workflowName),
		observability.AttrExecutionID.String(wctx.executionID),
		observability.AttrStep.String(s.Name),
		observability.AttrStepIndex.Int(index),
	)

	resp, attempts, err := s.run(ctx, in, wctx, logger)

	span.SetAttributes(observability.AttrAttempts.Int(attempts))
	observability.EndSpanWithError(span, err)

	duration := time.Since(start)
	completedAt := time.Now().UTC()
	event.CompletedAt = &completedAt
	event.DurationMs = duration.Milliseconds()
	event.Attempts = attempts

	if err != nil {
		event.Status = model.StepFailed
		event.Error = err.Error()
		event.ErrorKind = errorKind(err)
		logger.Warn("step failed", zap.Int("attempts", attempts), zap.Error(err))
	} else {
		event.Status = model.StepCompleted
		event.Output = snapshot(resp.Output)
		logger.Debug("step completed", zap.Int("attempts", attempts), zap.Duration("duration", duration))

		if s.Compensate != nil {
			label := "compensate:" + s.Name
			if resp.Key != "" {
				label += ":" + resp.Key
			}
			data, out := resp.CompensationData, resp.Output
			wctx.PushCompensation(label, func(cctx context.Context) error {
				return s.Compensate(cctx, in, wctx, data, out)
			})
		}
	}
	wctx.observer.RecordStep(wctx.workflowName, s.Name, string(event.Status), duration)

	if wctx.events != nil {
		if recErr := wctx.events.CompleteStepEvent(context.WithoutCancel(ctx), event); recErr != nil {
			logger.Error("failed to record step completion", zap.Error(recErr))
		}
	}

	if err != nil {
		return zero, &StepError{Step: s.Name, Index: index, Err: err}
	}
	return resp.Output, nil
}

func (s Step[I, O]) run(ctx context.Context, in I, wctx *Context, logger *zap.Logger) (StepResponse[O], int, error) {
	attempts := 0
	op := func() (StepResponse[O], error) {
		attempts++
		resp, err := s.executeWithTimeout(ctx, in, wctx)
		if err != nil && s.Retry != nil && !s.Retry.retryable(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}

	if s.Retry == nil || s.Retry.MaxAttempts < 2 {
		resp, err := s.executeWithTimeout(ctx, in, wctx)
		return resp, 1, err
	}

	notify := func(err error, wait time.Duration) {
		logger.Info("retrying step", zap.Int("attempt", attempts), zap.Duration("backoff", wait), zap.Error(err))
		if s.Retry.OnRetry != nil {
			s.Retry.OnRetry(err, wait)
		}
	}
	resp, err := backoff.RetryNotifyWithData(op, s.Retry.backOff(ctx), notify)
	return resp, attempts, err
}

// executeWithTimeout runs one attempt, abandoning it when Timeout elapses.
func (s Step[I, O]) executeWithTimeout(ctx context.Context, in I, wctx *Context) (StepResponse[O], error) {
	if s.Timeout <= 0 {
		return s.Execute(ctx, in, wctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	type executeResult struct {
		resp StepResponse[O]
		err  error
	}
	resultCh := make(chan executeResult, 1)

	go func() {
		resp, err := s.Execute(timeoutCtx, in, wctx)
		resultCh <- executeResult{resp, err}
	}()

	select {
	case <-timeoutCtx.Done():
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return StepResponse[O]{}, &model.ErrorEnvelope{
				Code:    model.ErrStepTimeout,
				Message: fmt.Sprintf("step %q timed out after %s", s.Name, s.Timeout),
			}
		}
		return StepResponse[O]{}, context.Cause(ctx)
	case res := <-resultCh:
		return res.resp, res.err
	}
}

// errorKind classifies err for step events: the envelope code when there is
// one, otherwise the Go type of the innermost error.
func errorKind(err error) string {
	if code := model.CodeOf(err); code != "" {
		return code
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}

// snapshot serializes v for a step event, redacting sensitive fields of
// JSON objects.
func snapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	var obj map[string]any
	if json.Unmarshal(data, &obj) != nil {
		return data
	}
	redacted, err := json.Marshal(observability.RedactBody(obj, nil))
	if err != nil {
		return data
	}
	return redacted
}
