package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/orchestra/model"
)

// Name identifies a registered workflow.
type Name string

// Workflow is a registered, named workflow body operating on JSON at its
// boundary.
type Workflow interface {
	Name() Name
	Info() Info
	// IdempotencyKey derives a business key from input, or "".
	IdempotencyKey(input json.RawMessage) string
	Run(ctx context.Context, wctx *Context, input json.RawMessage) (json.RawMessage, error)
}

// Info describes a workflow for tooling and carries its per-workflow
// overrides. MaxRetries is nil when the engine default applies.
type Info struct {
	Description string
	InputType   string
	OutputType  string
	MaxRetries  *int
	Timeout     time.Duration
}

// Definition is a typed workflow built with Define.
type Definition[I, O any] struct {
	name  Name
	body  func(ctx context.Context, in I, wctx *Context) (O, error)
	keyFn func(in I) string
	info  Info
}

var _ Workflow = (*Definition[struct{}, struct{}])(nil)

// Define creates a workflow named name whose body receives decoded input.
func Define[I, O any](name Name, body func(ctx context.Context, in I, wctx *Context) (O, error)) *Definition[I, O] {
	return &Definition[I, O]{
		name: name,
		body: body,
		info: Info{
			InputType:  typeLabel[I](),
			OutputType: typeLabel[O](),
		},
	}
}

// WithDescription sets the human-readable description.
func (d *Definition[I, O]) WithDescription(text string) *Definition[I, O] {
	d.info.Description = text
	return d
}

// WithIdempotencyKey derives the idempotency key from input when the caller
// supplies none, e.g. "create-product:<handle>".
func (d *Definition[I, O]) WithIdempotencyKey(fn func(in I) string) *Definition[I, O] {
	d.keyFn = fn
	return d
}

// WithMaxRetries overrides the engine's retry cap for this workflow.
func (d *Definition[I, O]) WithMaxRetries(n int) *Definition[I, O] {
	d.info.MaxRetries = &n
	return d
}

// WithTimeout overrides the engine's execution timeout for this workflow.
func (d *Definition[I, O]) WithTimeout(timeout time.Duration) *Definition[I, O] {
	d.info.Timeout = timeout
	return d
}

// Name returns the workflow name.
func (d *Definition[I, O]) Name() Name { return d.name }

// Info returns the workflow description.
func (d *Definition[I, O]) Info() Info { return d.info }

// IdempotencyKey decodes input and applies the key function.
func (d *Definition[I, O]) IdempotencyKey(input json.RawMessage) string {
	if d.keyFn == nil {
		return ""
	}
	in, err := decodeInput[I](input)
	if err != nil {
		return ""
	}
	return d.keyFn(in)
}

// Run decodes input, runs the body and encodes its output.
func (d *Definition[I, O]) Run(ctx context.Context, wctx *Context, input json.RawMessage) (json.RawMessage, error) {
	in, err := decodeInput[I](input)
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("decode %s input: %v", d.name, err))
	}
	out, err := d.body(ctx, in, wctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s output: %w", d.name, err)
	}
	return data, nil
}

func decodeInput[I any](input json.RawMessage) (I, error) {
	var in I
	if len(input) == 0 {
		return in, nil
	}
	err := json.Unmarshal(input, &in)
	return in, err
}

func typeLabel[T any]() string {
	return reflect.TypeFor[T]().String()
}

// SagaError is returned by RunSaga when the body fails. It unwraps to the
// original failure; Report describes the unwind.
type SagaError struct {
	Err    error
	Report CompensationReport
}

func (e *SagaError) Error() string { return e.Err.Error() }

func (e *SagaError) Unwrap() error { return e.Err }

// Outcome classifies the unwind.
func (e *SagaError) Outcome() model.Outcome {
	switch {
	case e.Report.Attempted == 0:
		return model.OutcomeNothingHappened
	case !e.Report.Clean():
		return model.OutcomeNotUndone
	default:
		return model.OutcomeUndone
	}
}

// RunSaga runs body and, if it fails or panics, unwinds every compensation
// registered on wctx before returning *SagaError. The body's error is always
// the one surfaced; compensation failures only appear in the report.
func RunSaga[O any](ctx context.Context, wctx *Context, body func(ctx context.Context) (O, error)) (out O, err error) {
	out, err = runRecovered(ctx, body)
	if err == nil {
		return out, nil
	}
	report := wctx.RunCompensations(ctx)
	if !report.Clean() {
		wctx.logger.Error("saga unwind incomplete",
			zap.Int("attempted", report.Attempted),
			zap.Int("failed", len(report.Failed)),
		)
	}
	var zero O
	return zero, &SagaError{Err: err, Report: report}
}

func runRecovered[O any](ctx context.Context, body func(ctx context.Context) (O, error)) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return body(ctx)
}
