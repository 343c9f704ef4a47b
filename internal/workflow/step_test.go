package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/orchestra/internal/config"
	"github.com/pitabwire/orchestra/model"
)

type reserveInput struct {
	Handle   string `json:"handle"`
	Password string `json:"password,omitempty"`
}

type reserveOutput struct {
	ProductID string `json:"product_id"`
}

func newStepContext(t *testing.T) (*Context, *MemoryStore, *recordingObserver) {
	t.Helper()
	store := NewMemoryStore()
	obs := newRecordingObserver()
	return NewContext("exec-1", "create-product", "corr-1", WithEventRecorder(store), WithObserver(obs)), store, obs
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestStepInvoke_recordsCompletedEvent(t *testing.T) {
	wctx, store, obs := newStepContext(t)
	step := Step[reserveInput, reserveOutput]{
		Name:       "reserve",
		TotalSteps: 3,
		Execute: func(_ context.Context, in reserveInput, _ *Context) (StepResponse[reserveOutput], error) {
			return NewStepResponse(reserveOutput{ProductID: "p-" + in.Handle}), nil
		},
	}

	out, err := step.Invoke(context.Background(), reserveInput{Handle: "jacket", Password: "hunter2"}, wctx)
	require.NoError(t, err)
	assert.Equal(t, "p-jacket", out.ProductID)

	events, err := store.StepEvents(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "reserve", ev.StepName)
	assert.Equal(t, 0, ev.StepIndex)
	assert.Equal(t, 3, ev.TotalSteps)
	assert.Equal(t, model.StepCompleted, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.NotNil(t, ev.CompletedAt)
	assert.JSONEq(t, `{"product_id":"p-jacket"}`, string(ev.Output))
	assert.NotContains(t, string(ev.Input), "hunter2")
	assert.Equal(t, 1, obs.steps["COMPLETED"])
}

func TestStepInvoke_failureReturnsStepError(t *testing.T) {
	wctx, store, _ := newStepContext(t)
	cause := errors.New("catalog unavailable")
	step := Step[reserveInput, reserveOutput]{
		Name: "reserve",
		Execute: func(context.Context, reserveInput, *Context) (StepResponse[reserveOutput], error) {
			return StepResponse[reserveOutput]{}, cause
		},
		Compensate: func(context.Context, reserveInput, *Context, any, reserveOutput) error {
			t.Error("compensation registered for a failed step")
			return nil
		},
	}

	_, err := step.Invoke(context.Background(), reserveInput{}, wctx)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "reserve", stepErr.Step)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, wctx.PendingCompensations())

	events, _ := store.StepEvents(context.Background(), "exec-1")
	require.Len(t, events, 1)
	assert.Equal(t, model.StepFailed, events[0].Status)
	assert.Equal(t, "catalog unavailable", events[0].Error)
	assert.Equal(t, "*errors.errorString", events[0].ErrorKind)
}

func TestStepInvoke_retriesTransientErrors(t *testing.T) {
	wctx, store, _ := newStepContext(t)
	calls := 0
	step := Step[reserveInput, reserveOutput]{
		Name:  "upload-image-1",
		Retry: fastRetry(3),
		Execute: func(context.Context, reserveInput, *Context) (StepResponse[reserveOutput], error) {
			calls++
			if calls < 3 {
				return StepResponse[reserveOutput]{}, errors.New("connection reset")
			}
			return NewStepResponse(reserveOutput{ProductID: "p-1"}), nil
		},
	}

	_, err := step.Invoke(context.Background(), reserveInput{}, wctx)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	events, _ := store.StepEvents(context.Background(), "exec-1")
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].Attempts)
}

func TestStepInvoke_retryGivesUp(t *testing.T) {
	wctx, _, _ := newStepContext(t)
	calls := 0
	step := Step[reserveInput, reserveOutput]{
		Name:  "upload-image-1",
		Retry: fastRetry(2),
		Execute: func(context.Context, reserveInput, *Context) (StepResponse[reserveOutput], error) {
			calls++
			return StepResponse[reserveOutput]{}, errors.New("connection reset")
		},
	}

	_, err := step.Invoke(context.Background(), reserveInput{}, wctx)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestStepInvoke_envelopeErrorsAreNotRetried(t *testing.T) {
	wctx, _, _ := newStepContext(t)
	calls := 0
	step := Step[reserveInput, reserveOutput]{
		Name:  "reserve",
		Retry: fastRetry(5),
		Execute: func(context.Context, reserveInput, *Context) (StepResponse[reserveOutput], error) {
			calls++
			return StepResponse[reserveOutput]{}, model.NewConflictError("handle taken")
		},
	}

	_, err := step.Invoke(context.Background(), reserveInput{}, wctx)
	assert.Equal(t, model.ErrConflict, model.CodeOf(err))
	assert.Equal(t, 1, calls)
}

func TestStepInvoke_timeout(t *testing.T) {
	wctx, store, _ := newStepContext(t)
	step := Step[reserveInput, reserveOutput]{
		Name:    "upload-image-1",
		Timeout: 20 * time.Millisecond,
		Execute: func(ctx context.Context, _ reserveInput, _ *Context) (StepResponse[reserveOutput], error) {
			<-ctx.Done()
			return StepResponse[reserveOutput]{}, ctx.Err()
		},
	}

	_, err := step.Invoke(context.Background(), reserveInput{}, wctx)
	assert.Equal(t, model.ErrStepTimeout, model.CodeOf(err))

	events, _ := store.StepEvents(context.Background(), "exec-1")
	require.Len(t, events, 1)
	assert.Equal(t, model.ErrStepTimeout, events[0].ErrorKind)
}

func TestStepInvoke_timedOutAttemptIsRetried(t *testing.T) {
	wctx, store, _ := newStepContext(t)
	var calls atomic.Int32
	step := Step[reserveInput, reserveOutput]{
		Name:    "upload-image-1",
		Timeout: 20 * time.Millisecond,
		Retry:   fastRetry(3),
		Execute: func(ctx context.Context, _ reserveInput, _ *Context) (StepResponse[reserveOutput], error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return StepResponse[reserveOutput]{}, ctx.Err()
			}
			return NewStepResponse(reserveOutput{ProductID: "p-1"}), nil
		},
	}

	out, err := step.Invoke(context.Background(), reserveInput{}, wctx)
	require.NoError(t, err)
	assert.Equal(t, "p-1", out.ProductID)
	assert.Equal(t, int32(2), calls.Load())

	events, _ := store.StepEvents(context.Background(), "exec-1")
	require.Len(t, events, 1)
	assert.Equal(t, model.StepCompleted, events[0].Status)
	assert.Equal(t, 2, events[0].Attempts)
}

func TestStepInvoke_compensationReceivesCapturedData(t *testing.T) {
	wctx, _, _ := newStepContext(t)
	var gotData any
	var gotOut reserveOutput
	step := Step[reserveInput, reserveOutput]{
		Name: "upload-image-1",
		Execute: func(context.Context, reserveInput, *Context) (StepResponse[reserveOutput], error) {
			return NewStepResponse(reserveOutput{ProductID: "p-1"}).
				WithCompensation("products/p-1/1.jpg").
				WithKey("products/p-1/1.jpg"), nil
		},
		Compensate: func(_ context.Context, _ reserveInput, _ *Context, data any, out reserveOutput) error {
			gotData = data
			gotOut = out
			return nil
		},
	}

	_, err := step.Invoke(context.Background(), reserveInput{}, wctx)
	require.NoError(t, err)
	require.Equal(t, 1, wctx.PendingCompensations())

	report := wctx.RunCompensations(context.Background())
	require.True(t, report.Clean())
	assert.Equal(t, "products/p-1/1.jpg", gotData)
	assert.Equal(t, "p-1", gotOut.ProductID)
}

func TestStepInvoke_compensationLabelCarriesKey(t *testing.T) {
	store := NewMemoryStore()
	wctx := NewContext("exec-1", "wf", "corr", WithEventRecorder(store))
	step := Step[struct{}, struct{}]{
		Name: "upload-image-2",
		Execute: func(context.Context, struct{}, *Context) (StepResponse[struct{}], error) {
			return NewStepResponse(struct{}{}).WithKey("img-2"), nil
		},
		Compensate: func(context.Context, struct{}, *Context, any, struct{}) error { return nil },
	}

	_, err := step.Invoke(context.Background(), struct{}{}, wctx)
	require.NoError(t, err)
	wctx.RunCompensations(context.Background())

	events, _ := store.StepEvents(context.Background(), "exec-1")
	require.Len(t, events, 2)
	assert.Equal(t, "compensate:upload-image-2:img-2", events[1].StepName)
	assert.Equal(t, 1, events[1].StepIndex)
	assert.Equal(t, model.StepCompensated, events[1].Status)
}

func TestStepInvoke_missingExecute(t *testing.T) {
	wctx, _, _ := newStepContext(t)
	_, err := Step[struct{}, struct{}]{Name: "empty"}.Invoke(context.Background(), struct{}{}, wctx)
	var stepErr *StepError
	assert.ErrorAs(t, err, &stepErr)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.RetryConfig{
		MaxAttempts:       4,
		BackoffInitial:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        time.Second,
	})
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialInterval)
	assert.True(t, p.retryable(errors.New("io timeout")))
	assert.False(t, p.retryable(context.Canceled))
	assert.False(t, p.retryable(model.NewNotFoundError("gone")))
}
