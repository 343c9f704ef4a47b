package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/orchestra/internal/progress"
	"github.com/pitabwire/orchestra/model"
)

// progressTimeout bounds a single progress publish.
const progressTimeout = 2 * time.Second

// EventRecorder persists step events. Store implements it.
type EventRecorder interface {
	AppendStepEvent(ctx context.Context, event model.WorkflowStepEvent) error
	CompleteStepEvent(ctx context.Context, event model.WorkflowStepEvent) error
}

// Context carries per-execution state across step boundaries: metadata,
// the compensation stack, the step counter and the correlation ID.
//
// A Context is owned by one execution. It is safe for concurrent use, but
// steps of one execution run sequentially.
type Context struct {
	executionID   string
	workflowName  string
	correlationID string

	logger    *zap.Logger
	publisher progress.Publisher
	observer  Observer
	events    EventRecorder

	nextIndex atomic.Int64

	mu            sync.Mutex
	metadata      map[string]any
	compensations []compensation
	compensated   int
	failed        int
}

type compensation struct {
	label string
	fn    func(ctx context.Context) error
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithContextLogger sets the logger compensation failures and progress
// errors are written to.
func WithContextLogger(logger *zap.Logger) ContextOption {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProgressPublisher sets where PublishStepProgress delivers events.
func WithProgressPublisher(p progress.Publisher) ContextOption {
	return func(c *Context) { c.publisher = p }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) ContextOption {
	return func(c *Context) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithEventRecorder sets where step and compensation events are persisted.
func WithEventRecorder(r EventRecorder) ContextOption {
	return func(c *Context) { c.events = r }
}

// WithMetadata seeds the context with caller-supplied metadata.
func WithMetadata(md map[string]any) ContextOption {
	return func(c *Context) {
		for k, v := range md {
			c.metadata[k] = v
		}
	}
}

// NewContext creates the context for one execution. An empty correlationID
// is replaced with a generated one.
func NewContext(executionID, workflowName, correlationID string, opts ...ContextOption) *Context {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	c := &Context{
		executionID:   executionID,
		workflowName:  workflowName,
		correlationID: correlationID,
		logger:        zap.NewNop(),
		observer:      noopObserver{},
		metadata:      make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecutionID returns the ID of the execution this context belongs to.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowName returns the workflow being executed.
func (c *Context) WorkflowName() string { return c.workflowName }

// CorrelationID returns the correlation ID. It never changes.
func (c *Context) CorrelationID() string { return c.correlationID }

// Logger returns the execution-scoped logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// NextStepIndex allocates the next step index, starting at 0.
func (c *Context) NextStepIndex() int {
	return int(c.nextIndex.Add(1) - 1)
}

// StepCount returns how many step indexes have been allocated.
func (c *Context) StepCount() int {
	return int(c.nextIndex.Load())
}

// --- Metadata ---

// AddMetadata stores value under key. The last write wins.
func (c *Context) AddMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns the value stored under key.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Key is a typed metadata key. Values set through Set can only be read back
// as T.
type Key[T any] struct {
	name string
}

// NewKey creates a typed metadata key.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the underlying metadata key.
func (k Key[T]) Name() string { return k.name }

// Set stores v under k.
func Set[T any](c *Context, k Key[T], v T) {
	c.AddMetadata(k.name, v)
}

// Get returns the value under k. ok is false when the key is absent or holds
// a value of another type.
func Get[T any](c *Context, k Key[T]) (v T, ok bool) {
	raw, exists := c.Metadata(k.name)
	if !exists {
		return v, false
	}
	v, ok = raw.(T)
	return v, ok
}

// --- Compensation ---

// PushCompensation registers a rollback action. It must be called by the
// step that created the side effect, before the step returns.
func (c *Context) PushCompensation(label string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compensations = append(c.compensations, compensation{label: label, fn: fn})
}

// PendingCompensations returns how many actions are still on the stack.
func (c *Context) PendingCompensations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.compensations)
}

// CompensationFailure is one action that returned an error or panicked.
type CompensationFailure struct {
	Label string
	Err   error
}

// CompensationReport summarizes one RunCompensations call.
type CompensationReport struct {
	Attempted int
	Succeeded int
	Failed    []CompensationFailure
}

// Clean reports whether every attempted action succeeded.
func (r CompensationReport) Clean() bool {
	return len(r.Failed) == 0
}

// RunCompensations pops and runs every registered action in reverse order.
// A failing action is logged and recorded; the remaining actions still run.
// Calling it on an empty stack is a no-op.
//
// Actions run detached from ctx cancellation, so an unwind triggered by a
// timeout or cancel still reaches external systems.
func (c *Context) RunCompensations(ctx context.Context) CompensationReport {
	ctx = context.WithoutCancel(ctx)

	var report CompensationReport
	for {
		entry, ok := c.popCompensation()
		if !ok {
			break
		}
		report.Attempted++

		err := c.runCompensation(ctx, entry)

		c.mu.Lock()
		if err != nil {
			c.failed++
		} else {
			c.compensated++
		}
		c.mu.Unlock()

		if err != nil {
			report.Failed = append(report.Failed, CompensationFailure{Label: entry.label, Err: err})
			continue
		}
		report.Succeeded++
	}
	return report
}

func (c *Context) popCompensation() (compensation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.compensations)
	if n == 0 {
		return compensation{}, false
	}
	entry := c.compensations[n-1]
	c.compensations = c.compensations[:n-1]
	return entry, true
}

// runCompensation invokes one action inside its own error boundary and
// records it as a step event.
func (c *Context) runCompensation(ctx context.Context, entry compensation) (err error) {
	start := time.Now()
	event := model.WorkflowStepEvent{
		ID:            uuid.New().String(),
		ExecutionID:   c.executionID,
		WorkflowName:  c.workflowName,
		StepName:      entry.label,
		StepIndex:     c.NextStepIndex(),
		CorrelationID: c.correlationID,
		StartedAt:     start.UTC(),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("compensation %q panicked: %v", entry.label, r)
			}
		}()
		err = entry.fn(ctx)
	}()

	completedAt := time.Now().UTC()
	event.CompletedAt = &completedAt
	event.DurationMs = time.Since(start).Milliseconds()
	event.Attempts = 1
	result := "succeeded"
	if err != nil {
		result = "failed"
		event.Status = model.StepCompensationFailed
		event.Error = err.Error()
		event.ErrorKind = errorKind(err)
		c.logger.Error("compensation failed",
			zap.String("compensation", entry.label),
			zap.Error(err),
		)
	} else {
		event.Status = model.StepCompensated
		c.logger.Info("compensation completed", zap.String("compensation", entry.label))
	}
	c.observer.RecordCompensation(c.workflowName, result)

	if c.events != nil {
		if recErr := c.events.AppendStepEvent(ctx, event); recErr != nil {
			c.logger.Warn("failed to record compensation event",
				zap.String("compensation", entry.label),
				zap.Error(recErr),
			)
		}
	}
	return err
}

// outcome classifies what this execution left behind: nothing registered,
// everything undone, or something still in place.
func (c *Context) outcome() model.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.failed > 0 || len(c.compensations) > 0:
		return model.OutcomeNotUndone
	case c.compensated > 0:
		return model.OutcomeUndone
	default:
		return model.OutcomeNothingHappened
	}
}

// discardCompensations drops the stack once the execution succeeded.
func (c *Context) discardCompensations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compensations = nil
}

// --- Progress ---

// PublishStepProgress emits a progress signal for a long-running step. The
// identity fields and timestamp are filled in from the context. Publisher
// errors and panics are logged and never reach the caller.
func (c *Context) PublishStepProgress(ctx context.Context, p model.StepProgress) {
	if c.publisher == nil {
		return
	}
	p.ExecutionID = c.executionID
	p.WorkflowName = c.workflowName
	p.CorrelationID = c.correlationID
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("progress publisher panicked",
				zap.String("step", p.StepName),
				zap.Any("panic", r),
			)
		}
	}()
	if err := c.publisher.Publish(ctx, p); err != nil {
		c.logger.Warn("failed to publish step progress",
			zap.String("step", p.StepName),
			zap.Error(err),
		)
	}
}
