package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/orchestra/internal/idempotency"
	"github.com/pitabwire/orchestra/internal/observability"
	"github.com/pitabwire/orchestra/internal/progress"
	"github.com/pitabwire/orchestra/model"
)

const (
	defaultMaxRetries = 3
	defaultClaimTTL   = 15 * time.Minute
	defaultResultTTL  = 24 * time.Hour
)

// retryNamespace derives retry execution IDs from the execution they retry,
// so a second retry of the same execution collides with the first.
var retryNamespace = uuid.MustParse("6f1c2a8e-3b7d-4e59-9a0c-5d2f8b1e7c43")

// retryExecutionID returns the ID the single retry of origID runs under.
func retryExecutionID(origID string) string {
	return uuid.NewSHA1(retryNamespace, []byte(origID)).String()
}

// Engine finds, idempotency-guards, runs and records named workflows.
//
// The engine holds no global execution lock. Same-key executions are
// serialized by the claim store only.
type Engine struct {
	registry  *Registry
	store     Store
	claims    idempotency.Store
	logger    *zap.Logger
	observer  Observer
	publisher progress.Publisher

	defaultMaxRetries int
	executionTimeout  time.Duration
	claimTTL          time.Duration
	resultTTL         time.Duration
	now               func() time.Time

	mu      sync.Mutex
	running map[string]*inflight
	parked  map[string]parkedContext
}

// inflight is an execution running in this process.
type inflight struct {
	wctx   *Context
	cancel context.CancelCauseFunc
}

// parkedContext holds the compensations a failed execution left behind.
type parkedContext struct {
	wctx     *Context
	parkedAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineObserver sets the metrics observer.
func WithEngineObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithPublisher sets the step-progress publisher handed to every execution.
func WithPublisher(p progress.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithDefaultMaxRetries sets the retry cap for workflows without their own.
func WithDefaultMaxRetries(n int) Option {
	return func(e *Engine) { e.defaultMaxRetries = n }
}

// WithExecutionTimeout sets the deadline for workflows without their own.
// Zero disables deadlines.
func WithExecutionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.executionTimeout = d }
}

// WithClaimTTL sets how long IN_PROGRESS claims and completed results live.
// Claims of a running execution are renewed every third of the claim TTL, so
// the TTL only bounds how long a crashed process keeps its keys.
func WithClaimTTL(claim, result time.Duration) Option {
	return func(e *Engine) {
		if claim > 0 {
			e.claimTTL = claim
		}
		if result > 0 {
			e.resultTTL = result
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a workflow engine. A nil claims store falls back to an
// in-memory one.
func NewEngine(registry *Registry, store Store, claims idempotency.Store, opts ...Option) *Engine {
	if claims == nil {
		claims = idempotency.NewMemoryStore()
	}
	e := &Engine{
		registry:          registry,
		store:             store,
		claims:            claims,
		logger:            zap.NewNop(),
		observer:          noopObserver{},
		defaultMaxRetries: defaultMaxRetries,
		claimTTL:          defaultClaimTTL,
		resultTTL:         defaultResultTTL,
		now:               func() time.Time { return time.Now().UTC() },
		running:           make(map[string]*inflight),
		parked:            make(map[string]parkedContext),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkflowCount returns the number of registered workflows.
func (e *Engine) WorkflowCount() int {
	return e.registry.Len()
}

// Execute runs the named workflow with input. A failing workflow body is
// reported in the result, not as an error; errors are reserved for lookup,
// claim and persistence failures.
func (e *Engine) Execute(ctx context.Context, name Name, input any, opts model.WorkflowOptions) (model.WorkflowResult, error) {
	// 1. Resolve the workflow.
	wf, ok := e.registry.Get(name)
	if !ok {
		return model.WorkflowResult{}, model.NewWorkflowNotFoundError(string(name))
	}

	raw, err := encodeInput(input)
	if err != nil {
		return model.WorkflowResult{}, err
	}

	// 2. Resolve correlation ID and idempotency key.
	rctx := model.RequestContextFrom(ctx)
	correlationID := opts.CorrelationID
	if correlationID == "" && rctx != nil {
		correlationID = rctx.CorrelationID
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	idemKey := opts.IdempotencyKey
	if idemKey == "" {
		idemKey = rctx.ResolveIdempotencyKey()
	}
	if idemKey == "" {
		idemKey = wf.IdempotencyKey(raw)
	}

	// 3. Build the execution.
	exec := model.WorkflowExecution{
		ID:                uuid.New().String(),
		WorkflowName:      string(name),
		Status:            model.StatusPending,
		Input:             raw,
		MaxRetries:        e.maxRetries(wf, opts.MaxRetries),
		CorrelationID:     correlationID,
		ParentExecutionID: opts.ParentExecutionID,
		IdempotencyKey:    idemKey,
		LockKey:           opts.LockKey,
		Metadata:          maps.Clone(opts.Metadata),
		CreatedAt:         e.now(),
	}
	return e.run(ctx, wf, exec)
}

// ExecuteChild runs a sub-workflow that inherits the parent's correlation ID
// and records the parent execution.
func (e *Engine) ExecuteChild(ctx context.Context, parent *Context, name Name, input any) (model.WorkflowResult, error) {
	return e.Execute(ctx, name, input, model.WorkflowOptions{
		CorrelationID:     parent.CorrelationID(),
		ParentExecutionID: parent.ExecutionID(),
	})
}

// RetryExecution starts a new execution of a FAILED execution's workflow
// with the original input and metadata and returns the new execution ID.
// Each execution can be retried once; further attempts go through the
// latest retry, so RetryCount counts the whole chain.
func (e *Engine) RetryExecution(ctx context.Context, id string) (string, error) {
	orig, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.Status != model.StatusFailed {
		return "", model.NewExecutionNotRetryableError(id, orig.Status)
	}
	if orig.RetryCount >= orig.MaxRetries {
		return "", model.NewRetryCapExceededError(id, orig.MaxRetries)
	}
	wf, ok := e.registry.Get(Name(orig.WorkflowName))
	if !ok {
		return "", model.NewWorkflowNotFoundError(orig.WorkflowName)
	}

	retryID := retryExecutionID(orig.ID)
	_, err = e.store.Get(ctx, retryID)
	switch {
	case err == nil:
		return "", model.NewExecutionAlreadyRetriedError(id, retryID)
	case model.CodeOf(err) != model.ErrExecutionNotFound:
		return "", err
	}

	exec := model.WorkflowExecution{
		ID:                retryID,
		WorkflowName:      orig.WorkflowName,
		Status:            model.StatusPending,
		Input:             orig.Input,
		RetryCount:        orig.RetryCount + 1,
		MaxRetries:        orig.MaxRetries,
		RetryOf:           orig.ID,
		CorrelationID:     orig.CorrelationID,
		ParentExecutionID: orig.ParentExecutionID,
		IdempotencyKey:    orig.IdempotencyKey,
		LockKey:           orig.LockKey,
		Metadata:          orig.Metadata,
		CreatedAt:         e.now(),
	}
	e.logger.Info("retrying execution",
		zap.String("execution_id", orig.ID),
		zap.String("retry_execution_id", exec.ID),
		zap.Int("retry_count", exec.RetryCount),
	)

	result, err := e.run(ctx, wf, exec)
	if model.CodeOf(err) == model.ErrConflict {
		// A concurrent retry created the execution first.
		return "", model.NewExecutionAlreadyRetriedError(id, retryID)
	}
	if err != nil {
		return "", err
	}
	if result.Replayed {
		return result.ExecutionID, nil
	}
	return exec.ID, nil
}

// run claims keys, records the execution and invokes the body.
func (e *Engine) run(ctx context.Context, wf Workflow, exec model.WorkflowExecution) (model.WorkflowResult, error) {
	logger := observability.ExecutionLogger(ctx, e.logger, exec.ID, exec.WorkflowName, exec.CorrelationID)

	// 1. Claim the lock and idempotency keys.
	replay, err := e.acquire(ctx, exec, logger)
	if err != nil {
		return model.WorkflowResult{}, err
	}
	if replay != nil {
		return *replay, nil
	}
	stopRenewal := e.renewClaims(ctx, exec, logger)
	defer stopRenewal()

	// 2. Record PENDING, then RUNNING.
	if err := e.store.Create(ctx, exec); err != nil {
		stopRenewal()
		e.releaseClaims(ctx, exec, logger)
		return model.WorkflowResult{}, fmt.Errorf("create execution: %w", err)
	}

	timeout := e.executionTimeout
	if t := wf.Info().Timeout; t > 0 {
		timeout = t
	}
	startedAt := e.now()
	var deadline *time.Time
	if timeout > 0 {
		d := startedAt.Add(timeout)
		deadline = &d
	}
	if err := e.store.MarkRunning(ctx, exec.ID, startedAt, deadline); err != nil {
		stopRenewal()
		e.releaseClaims(ctx, exec, logger)
		return model.WorkflowResult{}, fmt.Errorf("mark execution running: %w", err)
	}

	// 3. Run the body detached from the caller's cancellation; only Cancel,
	// MarkTimedOut or the deadline stop it.
	execCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeoutCause(execCtx, timeout, timeoutError(exec.ID))
		defer cancelTimeout()
	}
	execCtx = observability.WithLogger(execCtx, logger)
	execCtx, span := observability.StartSpan(execCtx, "workflow "+exec.WorkflowName,
		observability.AttrWorkflow.String(exec.WorkflowName),
		observability.AttrExecutionID.String(exec.ID),
		observability.AttrCorrelationID.String(exec.CorrelationID),
	)

	wctx := NewContext(exec.ID, exec.WorkflowName, exec.CorrelationID,
		WithContextLogger(logger),
		WithProgressPublisher(e.publisher),
		WithObserver(e.observer),
		WithEventRecorder(e.store),
		WithMetadata(exec.Metadata),
	)
	e.track(exec.ID, &inflight{wctx: wctx, cancel: cancel})
	e.observer.RecordExecutionStart(exec.WorkflowName)
	logger.Info("execution started",
		zap.String("idempotency_key", exec.IdempotencyKey),
		zap.String("lock_key", exec.LockKey),
	)

	output, runErr := e.invoke(execCtx, wf, wctx, exec.Input, logger)
	cause := context.Cause(execCtx)

	e.untrack(exec.ID)
	stopRenewal()

	result, err := e.finish(ctx, exec, wctx, output, runErr, cause, logger)
	span.SetAttributes(observability.AttrOutcome.String(string(outcomeOf(result))))
	observability.EndSpanWithError(span, runErr)
	e.observer.RecordExecutionFinish(exec.WorkflowName, string(result.status), e.now().Sub(startedAt))
	return result.WorkflowResult, err
}

// finishedResult pairs the caller-facing result with the stored status.
type finishedResult struct {
	model.WorkflowResult
	status model.ExecutionStatus
}

func outcomeOf(r finishedResult) model.Outcome {
	if r.Error == nil {
		return ""
	}
	return r.Error.Outcome
}

// finish performs the terminal transition and settles the claims.
func (e *Engine) finish(
	ctx context.Context,
	exec model.WorkflowExecution,
	wctx *Context,
	output json.RawMessage,
	runErr, cause error,
	logger *zap.Logger,
) (finishedResult, error) {
	ctx = context.WithoutCancel(ctx)
	completedAt := e.now()

	if runErr == nil {
		err := e.store.Finish(ctx, exec.ID, Completion{
			Status:      model.StatusCompleted,
			Output:      output,
			CompletedAt: completedAt,
		})
		if err != nil {
			return e.finishedElsewhere(ctx, exec, wctx, err, logger)
		}
		wctx.discardCompensations()
		if exec.IdempotencyKey != "" {
			key := idempotency.FormatIdempotencyKey(exec.WorkflowName, exec.IdempotencyKey)
			if err := e.claims.Complete(ctx, key, exec.ID, output, e.resultTTL); err != nil {
				logger.Error("failed to complete idempotency claim", zap.String("key", key), zap.Error(err))
			}
		}
		e.releaseLock(ctx, exec, logger)
		logger.Info("execution completed", zap.Duration("duration", completedAt.Sub(exec.CreatedAt)))
		return finishedResult{
			WorkflowResult: model.SuccessResult(exec.ID, output),
			status:         model.StatusCompleted,
		}, nil
	}

	status := model.StatusFailed
	switch model.CodeOf(cause) {
	case model.ErrExecutionTimeout:
		status = model.StatusTimeout
	case model.ErrExecutionCancelled:
		status = model.StatusCancelled
	}
	outcome := wctx.outcome()
	message := truncateMessage(runErr.Error())

	err := e.store.Finish(ctx, exec.ID, Completion{
		Status:      status,
		Error:       message,
		Outcome:     outcome,
		CompletedAt: completedAt,
	})
	if err != nil {
		return e.finishedElsewhere(ctx, exec, wctx, err, logger)
	}
	e.releaseClaims(ctx, exec, logger)
	if status == model.StatusTimeout {
		e.observer.RecordTimeout(exec.WorkflowName)
	}
	e.park(exec.ID, wctx)

	logger.Warn("execution failed",
		zap.String("status", string(status)),
		zap.String("outcome", string(outcome)),
		zap.Error(runErr),
	)

	code := model.CodeOf(runErr)
	if code == "" {
		code = codeForStatus(status)
	}
	return finishedResult{
		WorkflowResult: model.FailureResult(exec.ID, model.ResultError{
			Message: message,
			Code:    code,
			Outcome: outcome,
		}),
		status: status,
	}, nil
}

// finishedElsewhere handles a refused terminal transition: Cancel or
// MarkTimedOut got there first and already released the claims. Their
// outcome was read while the body was still unwinding, so it is rewritten
// from the settled compensation stack.
func (e *Engine) finishedElsewhere(
	ctx context.Context,
	exec model.WorkflowExecution,
	wctx *Context,
	finishErr error,
	logger *zap.Logger,
) (finishedResult, error) {
	if model.CodeOf(finishErr) != model.ErrConflict {
		e.releaseClaims(ctx, exec, logger)
		return finishedResult{status: model.StatusFailed}, fmt.Errorf("finish execution: %w", finishErr)
	}
	stored, err := e.store.Get(ctx, exec.ID)
	if err != nil {
		return finishedResult{status: model.StatusFailed}, err
	}
	if outcome := wctx.outcome(); isAmendable(stored.Status) && outcome != stored.Outcome {
		if err := e.store.AmendOutcome(ctx, exec.ID, outcome); err != nil {
			logger.Error("failed to amend execution outcome", zap.String("outcome", string(outcome)), zap.Error(err))
		} else {
			stored.Outcome = outcome
		}
	}
	e.park(exec.ID, wctx)
	logger.Info("execution already finished",
		zap.String("status", string(stored.Status)),
		zap.String("outcome", string(stored.Outcome)),
	)
	return finishedResult{
		WorkflowResult: model.FailureResult(exec.ID, model.ResultError{
			Message: stored.Error,
			Code:    codeForStatus(stored.Status),
			Outcome: stored.Outcome,
		}),
		status: stored.Status,
	}, nil
}

// invoke runs the body, converting a panic into an error.
func (e *Engine) invoke(ctx context.Context, wf Workflow, wctx *Context, input json.RawMessage, logger *zap.Logger) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("workflow panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("workflow %q panicked: %v", wf.Name(), r)
		}
	}()
	return wf.Run(ctx, wctx, input)
}

// --- Claims ---

// acquire claims the lock key and then the idempotency key. A non-nil
// result means a completed execution is being replayed.
func (e *Engine) acquire(ctx context.Context, exec model.WorkflowExecution, logger *zap.Logger) (*model.WorkflowResult, error) {
	if exec.LockKey != "" {
		key := idempotency.FormatLockKey(exec.WorkflowName, exec.LockKey)
		res, err := e.claims.Claim(ctx, key, exec.ID, "", e.claimTTL)
		if err != nil {
			return nil, fmt.Errorf("claim lock key: %w", err)
		}
		e.observer.RecordClaim(exec.WorkflowName, res.Label())
		switch r := res.(type) {
		case idempotency.Acquired:
		case idempotency.AlreadyRunning:
			return nil, model.NewWorkflowInProgressError(exec.LockKey, r.ExecutionID)
		case idempotency.AlreadyCompleted:
			return nil, model.NewWorkflowInProgressError(exec.LockKey, r.ExecutionID)
		default:
			return nil, model.NewIdempotencyConflictError(
				fmt.Sprintf("lost the race for lock key %q; retry the request", exec.LockKey),
			)
		}
	}

	if exec.IdempotencyKey == "" {
		return nil, nil
	}
	key := idempotency.FormatIdempotencyKey(exec.WorkflowName, exec.IdempotencyKey)
	res, err := e.claims.Claim(ctx, key, exec.ID, idempotency.HashInput(exec.Input), e.claimTTL)
	if err != nil {
		e.releaseLock(ctx, exec, logger)
		return nil, err
	}
	e.observer.RecordClaim(exec.WorkflowName, res.Label())

	switch r := res.(type) {
	case idempotency.Acquired:
		return nil, nil
	case idempotency.AlreadyCompleted:
		e.releaseLock(ctx, exec, logger)
		logger.Info("replaying completed execution", zap.String("replayed_execution_id", r.ExecutionID))
		result := model.SuccessResult(r.ExecutionID, r.Payload)
		result.Replayed = true
		return &result, nil
	case idempotency.AlreadyRunning:
		e.releaseLock(ctx, exec, logger)
		logger.Info("execution already in progress", zap.String("running_execution_id", r.ExecutionID))
		return nil, model.NewWorkflowInProgressError(exec.IdempotencyKey, r.ExecutionID)
	default:
		e.releaseLock(ctx, exec, logger)
		return nil, model.NewIdempotencyConflictError(
			fmt.Sprintf("lost the race for idempotency key %q; retry the request", exec.IdempotencyKey),
		)
	}
}

// renewClaims extends the execution's claims every third of the claim TTL
// until the returned stop function is called. A key that can no longer be
// extended was released or taken over and is dropped from renewal.
func (e *Engine) renewClaims(ctx context.Context, exec model.WorkflowExecution, logger *zap.Logger) (stop func()) {
	var keys []string
	if exec.LockKey != "" {
		keys = append(keys, idempotency.FormatLockKey(exec.WorkflowName, exec.LockKey))
	}
	if exec.IdempotencyKey != "" {
		keys = append(keys, idempotency.FormatIdempotencyKey(exec.WorkflowName, exec.IdempotencyKey))
	}
	if len(keys) == 0 {
		return func() {}
	}

	interval := max(e.claimTTL/3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for len(keys) > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			live := keys[:0]
			for _, key := range keys {
				err := e.claims.Extend(ctx, key, exec.ID, e.claimTTL)
				switch {
				case err == nil:
					live = append(live, key)
				case model.CodeOf(err) == model.ErrConflict:
					logger.Warn("claim no longer held; stopped renewing", zap.String("key", key))
				case ctx.Err() != nil:
					return
				default:
					logger.Error("failed to renew claim", zap.String("key", key), zap.Error(err))
					live = append(live, key)
				}
			}
			keys = live
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// releaseClaims deletes both claims so a retry may proceed.
func (e *Engine) releaseClaims(ctx context.Context, exec model.WorkflowExecution, logger *zap.Logger) {
	if exec.IdempotencyKey != "" {
		key := idempotency.FormatIdempotencyKey(exec.WorkflowName, exec.IdempotencyKey)
		if err := e.claims.Release(ctx, key, exec.ID); err != nil {
			logger.Error("failed to release idempotency claim", zap.String("key", key), zap.Error(err))
		}
	}
	e.releaseLock(ctx, exec, logger)
}

func (e *Engine) releaseLock(ctx context.Context, exec model.WorkflowExecution, logger *zap.Logger) {
	if exec.LockKey == "" {
		return
	}
	key := idempotency.FormatLockKey(exec.WorkflowName, exec.LockKey)
	if err := e.claims.Release(ctx, key, exec.ID); err != nil {
		logger.Error("failed to release lock claim", zap.String("key", key), zap.Error(err))
	}
}

// --- Cancellation and timeouts ---

// Cancel moves a non-terminal execution to CANCELLED and stops its body.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}
	cause := &model.ErrorEnvelope{Code: model.ErrExecutionCancelled, Message: reason, ExecutionID: id}
	return e.terminate(ctx, id, model.StatusCancelled, cause)
}

// MarkTimedOut moves a non-terminal execution to TIMEOUT, releases its
// claims and stops its body. Compensations registered so far stay runnable
// through CompensateExecution.
func (e *Engine) MarkTimedOut(ctx context.Context, id string) error {
	return e.terminate(ctx, id, model.StatusTimeout, timeoutError(id))
}

func (e *Engine) terminate(ctx context.Context, id string, status model.ExecutionStatus, cause *model.ErrorEnvelope) error {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return model.NewExecutionNotActiveError(id,
			fmt.Sprintf("execution %q already finished as %s", id, exec.Status))
	}
	logger := observability.ExecutionLogger(ctx, e.logger, exec.ID, exec.WorkflowName, exec.CorrelationID)

	flight := e.lookup(id)
	outcome := model.OutcomeNotUndone
	switch {
	case flight != nil:
		outcome = flight.wctx.outcome()
	case exec.Status == model.StatusPending:
		outcome = model.OutcomeNothingHappened
	}

	err = e.store.Finish(ctx, id, Completion{
		Status:      status,
		Error:       cause.Message,
		Outcome:     outcome,
		CompletedAt: e.now(),
	})
	if model.CodeOf(err) == model.ErrConflict {
		return model.NewExecutionNotActiveError(id, fmt.Sprintf("execution %q already finished", id))
	}
	if err != nil {
		return err
	}

	e.releaseClaims(ctx, exec, logger)
	if status == model.StatusTimeout {
		e.observer.RecordTimeout(exec.WorkflowName)
	}
	if flight != nil {
		flight.cancel(cause)
		e.park(id, flight.wctx)
	}
	logger.Warn("execution terminated",
		zap.String("status", string(status)),
		zap.String("outcome", string(outcome)),
		zap.String("reason", cause.Message),
	)
	return nil
}

// ProcessTimeouts marks every RUNNING execution past its deadline as
// TIMEOUT and evicts parked contexts older than the result TTL. It returns
// the number of executions timed out.
func (e *Engine) ProcessTimeouts(ctx context.Context) (int, error) {
	now := e.now()
	expired, err := e.store.FindExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired executions: %w", err)
	}

	count := 0
	for _, exec := range expired {
		if err := e.MarkTimedOut(ctx, exec.ID); err != nil {
			// Log and continue processing other executions.
			e.logger.Warn("failed to time out execution",
				zap.String("execution_id", exec.ID),
				zap.Error(err),
			)
			continue
		}
		count++
	}
	e.evictParked(now.Add(-e.resultTTL))
	return count, nil
}

// WatchTimeouts runs ProcessTimeouts every interval until ctx is done.
func (e *Engine) WatchTimeouts(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.ProcessTimeouts(ctx)
			if err != nil {
				e.logger.Error("timeout sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("timed out executions", zap.Int("count", n))
			}
		}
	}
}

// CompensateExecution runs the compensations a terminated execution left
// on its stack. Only contexts held by this process can be unwound.
func (e *Engine) CompensateExecution(ctx context.Context, id string) (CompensationReport, error) {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return CompensationReport{}, err
	}
	if !exec.Status.IsTerminal() {
		return CompensationReport{}, model.NewExecutionNotActiveError(id,
			fmt.Sprintf("execution %q is %s; cancel it before compensating", id, exec.Status))
	}

	e.mu.Lock()
	p, ok := e.parked[id]
	e.mu.Unlock()
	if !ok {
		return CompensationReport{}, model.NewNotFoundError(
			fmt.Sprintf("no pending compensations held for execution %q", id),
		)
	}

	report := p.wctx.RunCompensations(ctx)
	if p.wctx.PendingCompensations() == 0 {
		e.mu.Lock()
		delete(e.parked, id)
		e.mu.Unlock()
	}
	e.logger.Info("operator compensation finished",
		zap.String("execution_id", id),
		zap.Int("attempted", report.Attempted),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (e *Engine) track(id string, f *inflight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[id] = f
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *Engine) lookup(id string) *inflight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[id]
}

// park keeps wctx when it still holds compensations and forgets it once
// the stack is empty. Cancel may park a context the body then unwinds.
func (e *Engine) park(id string, wctx *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if wctx.PendingCompensations() == 0 {
		delete(e.parked, id)
		return
	}
	e.parked[id] = parkedContext{wctx: wctx, parkedAt: e.now()}
}

func (e *Engine) evictParked(before time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.parked {
		if p.parkedAt.Before(before) {
			delete(e.parked, id)
		}
	}
}

// --- Monitoring reads ---

// ListWorkflows describes every registered workflow.
func (e *Engine) ListWorkflows() []model.WorkflowInfo {
	wfs := e.registry.List()
	out := make([]model.WorkflowInfo, 0, len(wfs))
	for _, wf := range wfs {
		info := wf.Info()
		timeout := e.executionTimeout
		if info.Timeout > 0 {
			timeout = info.Timeout
		}
		out = append(out, model.WorkflowInfo{
			Name:        string(wf.Name()),
			Description: info.Description,
			InputType:   info.InputType,
			OutputType:  info.OutputType,
			MaxRetries:  e.maxRetries(wf, nil),
			TimeoutMs:   timeout.Milliseconds(),
		})
	}
	return out
}

// GetWorkflowStatistics aggregates a workflow's executions since since.
func (e *Engine) GetWorkflowStatistics(ctx context.Context, name Name, since time.Time) (model.WorkflowStatistics, error) {
	if _, ok := e.registry.Get(name); !ok {
		return model.WorkflowStatistics{}, model.NewWorkflowNotFoundError(string(name))
	}
	return e.store.Stats(ctx, string(name), since)
}

// ListExecutions returns one page of executions and the total match count.
func (e *Engine) ListExecutions(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error) {
	for _, st := range filters.Statuses {
		if !st.Valid() {
			return nil, 0, model.NewBadRequestError(fmt.Sprintf("unknown execution status %q", st))
		}
	}
	return e.store.List(ctx, filters)
}

// GetExecution returns an execution with its ordered step events.
func (e *Engine) GetExecution(ctx context.Context, id string) (model.ExecutionDetail, error) {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	steps, err := e.store.StepEvents(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	if steps == nil {
		steps = []model.WorkflowStepEvent{}
	}
	return model.ExecutionDetail{Execution: exec, Steps: steps}, nil
}

// ListActive returns RUNNING and PAUSED executions.
func (e *Engine) ListActive(ctx context.Context) ([]model.WorkflowExecution, error) {
	execs, _, err := e.store.List(ctx, model.ExecutionFilters{Statuses: model.ActiveStatuses})
	return execs, err
}

// ListRecent returns up to limit terminal executions, newest first.
func (e *Engine) ListRecent(ctx context.Context, limit int) ([]model.WorkflowExecution, error) {
	execs, _, err := e.store.List(ctx, model.ExecutionFilters{
		Statuses: model.TerminalStatuses,
		Page:     1,
		PageSize: limit,
	})
	return execs, err
}

// --- Helpers ---

func (e *Engine) maxRetries(wf Workflow, override *int) int {
	if override != nil {
		return *override
	}
	if n := wf.Info().MaxRetries; n != nil {
		return *n
	}
	return e.defaultMaxRetries
}

func encodeInput(input any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		data, err := json.Marshal(input)
		if err != nil {
			return nil, model.NewBadRequestError(fmt.Sprintf("encode input: %v", err))
		}
		raw = data
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return nil, model.NewBadRequestError("input is not valid JSON")
	}
	return raw, nil
}

func timeoutError(id string) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:        model.ErrExecutionTimeout,
		Message:     fmt.Sprintf("execution %q exceeded its deadline", id),
		ExecutionID: id,
	}
}

func codeForStatus(status model.ExecutionStatus) string {
	switch status {
	case model.StatusTimeout:
		return model.ErrExecutionTimeout
	case model.StatusCancelled:
		return model.ErrExecutionCancelled
	default:
		return ""
	}
}
