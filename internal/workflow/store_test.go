package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/orchestra/internal/testutil"
	"github.com/pitabwire/orchestra/model"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testExecution(id, workflowName string, createdAt time.Time) model.WorkflowExecution {
	return model.WorkflowExecution{
		ID:            id,
		WorkflowName:  workflowName,
		Status:        model.StatusPending,
		Input:         json.RawMessage(`{"handle":"denim-jacket"}`),
		MaxRetries:    3,
		CorrelationID: "corr-" + id,
		CreatedAt:     createdAt,
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		exec := testExecution("exec-1", "create-product", baseTime)
		if err := s.Create(ctx, exec); err != nil {
			t.Fatalf("Create error: %v", err)
		}
		got, err := s.Get(ctx, "exec-1")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Status != model.StatusPending {
			t.Errorf("Status = %s, want PENDING", got.Status)
		}
		if got.CompletedAt != nil {
			t.Error("CompletedAt must be nil for PENDING")
		}
		if got.CorrelationID != "corr-exec-1" || got.MaxRetries != 3 {
			t.Errorf("got %+v", got)
		}
		if !got.CreatedAt.Equal(baseTime) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
		}
		var in map[string]string
		if err := json.Unmarshal(got.Input, &in); err != nil || in["handle"] != "denim-jacket" {
			t.Errorf("Input = %s", got.Input)
		}
	})

	t.Run("metadata round-trips", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		exec := testExecution("exec-1", "create-product", baseTime)
		exec.Metadata = map[string]any{"tenant": "acme", "priority": float64(2)}
		if err := s.Create(ctx, exec); err != nil {
			t.Fatalf("Create error: %v", err)
		}
		got, err := s.Get(ctx, "exec-1")
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Metadata["tenant"] != "acme" || got.Metadata["priority"] != float64(2) {
			t.Errorf("Metadata = %v", got.Metadata)
		}

		bare := testExecution("exec-2", "create-product", baseTime)
		if err := s.Create(ctx, bare); err != nil {
			t.Fatalf("Create error: %v", err)
		}
		got, _ = s.Get(ctx, "exec-2")
		if len(got.Metadata) != 0 {
			t.Errorf("Metadata = %v, want empty", got.Metadata)
		}
	})

	t.Run("amend outcome only on cancelled or timed out", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"exec-cancelled", "exec-failed", "exec-running"} {
			if err := s.Create(ctx, testExecution(id, "create-product", baseTime)); err != nil {
				t.Fatalf("Create error: %v", err)
			}
			if err := s.MarkRunning(ctx, id, baseTime, nil); err != nil {
				t.Fatalf("MarkRunning error: %v", err)
			}
		}
		_ = s.Finish(ctx, "exec-cancelled", Completion{
			Status: model.StatusCancelled, Error: "stop", Outcome: model.OutcomeNotUndone, CompletedAt: baseTime,
		})
		_ = s.Finish(ctx, "exec-failed", Completion{
			Status: model.StatusFailed, Error: "boom", Outcome: model.OutcomeNotUndone, CompletedAt: baseTime,
		})

		if err := s.AmendOutcome(ctx, "exec-cancelled", model.OutcomeUndone); err != nil {
			t.Fatalf("AmendOutcome error: %v", err)
		}
		got, _ := s.Get(ctx, "exec-cancelled")
		if got.Outcome != model.OutcomeUndone || got.Status != model.StatusCancelled {
			t.Errorf("got status %s outcome %s", got.Status, got.Outcome)
		}

		for _, id := range []string{"exec-failed", "exec-running"} {
			if code := model.CodeOf(s.AmendOutcome(ctx, id, model.OutcomeUndone)); code != model.ErrConflict {
				t.Errorf("%s: code = %q, want %s", id, code, model.ErrConflict)
			}
		}
		if code := model.CodeOf(s.AmendOutcome(ctx, "missing", model.OutcomeUndone)); code != model.ErrExecutionNotFound {
			t.Errorf("code = %q, want %s", code, model.ErrExecutionNotFound)
		}
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		exec := testExecution("exec-1", "create-product", baseTime)

		_ = s.Create(ctx, exec)
		err := s.Create(ctx, exec)
		if code := model.CodeOf(err); code != model.ErrConflict {
			t.Errorf("code = %q, want %s", code, model.ErrConflict)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nope")
		if code := model.CodeOf(err); code != model.ErrExecutionNotFound {
			t.Errorf("code = %q, want %s", code, model.ErrExecutionNotFound)
		}
	})

	t.Run("lifecycle sets completed_at only when terminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Create(ctx, testExecution("exec-1", "create-product", baseTime))

		deadline := baseTime.Add(time.Minute)
		if err := s.MarkRunning(ctx, "exec-1", baseTime.Add(time.Second), &deadline); err != nil {
			t.Fatalf("MarkRunning error: %v", err)
		}
		got, _ := s.Get(ctx, "exec-1")
		if got.Status != model.StatusRunning || got.StartedAt == nil || got.CompletedAt != nil {
			t.Fatalf("after MarkRunning got %+v", got)
		}
		if got.DeadlineAt == nil || !got.DeadlineAt.Equal(deadline) {
			t.Errorf("DeadlineAt = %v, want %v", got.DeadlineAt, deadline)
		}

		err := s.Finish(ctx, "exec-1", Completion{
			Status:      model.StatusFailed,
			Error:       "upload failed",
			Outcome:     model.OutcomeUndone,
			CompletedAt: baseTime.Add(3 * time.Second),
		})
		if err != nil {
			t.Fatalf("Finish error: %v", err)
		}
		got, _ = s.Get(ctx, "exec-1")
		if got.Status != model.StatusFailed || got.CompletedAt == nil {
			t.Fatalf("after Finish got %+v", got)
		}
		if got.Outcome != model.OutcomeUndone || got.Error != "upload failed" {
			t.Errorf("Outcome = %s, Error = %q", got.Outcome, got.Error)
		}
		if d, ok := got.Duration(); !ok || d != 3*time.Second {
			t.Errorf("Duration = %v, %v", d, ok)
		}
	})

	t.Run("second terminal transition conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Create(ctx, testExecution("exec-1", "create-product", baseTime))
		_ = s.MarkRunning(ctx, "exec-1", baseTime, nil)

		first := Completion{Status: model.StatusCompleted, Output: json.RawMessage(`{"ok":true}`), CompletedAt: baseTime}
		if err := s.Finish(ctx, "exec-1", first); err != nil {
			t.Fatalf("Finish error: %v", err)
		}
		err := s.Finish(ctx, "exec-1", Completion{Status: model.StatusTimeout, CompletedAt: baseTime})
		if code := model.CodeOf(err); code != model.ErrConflict {
			t.Errorf("code = %q, want %s", code, model.ErrConflict)
		}
		got, _ := s.Get(ctx, "exec-1")
		if got.Status != model.StatusCompleted {
			t.Errorf("Status = %s, want COMPLETED", got.Status)
		}
		if err := s.Finish(ctx, "missing", first); model.CodeOf(err) != model.ErrExecutionNotFound {
			t.Errorf("Finish(missing) = %v", err)
		}
	})

	t.Run("mark running requires pending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Create(ctx, testExecution("exec-1", "create-product", baseTime))
		_ = s.MarkRunning(ctx, "exec-1", baseTime, nil)

		if err := s.MarkRunning(ctx, "exec-1", baseTime, nil); model.CodeOf(err) != model.ErrConflict {
			t.Errorf("second MarkRunning = %v, want CONFLICT", err)
		}
	})

	t.Run("error messages are truncated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Create(ctx, testExecution("exec-1", "create-product", baseTime))
		_ = s.MarkRunning(ctx, "exec-1", baseTime, nil)

		long := strings.Repeat("x", 5000)
		_ = s.Finish(ctx, "exec-1", Completion{Status: model.StatusFailed, Error: long, CompletedAt: baseTime})
		got, _ := s.Get(ctx, "exec-1")
		if len(got.Error) != maxMessageBytes {
			t.Errorf("len(Error) = %d, want %d", len(got.Error), maxMessageBytes)
		}
	})

	t.Run("list filters and paginates newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, name := range []string{"create-product", "create-product", "update-product", "create-product"} {
			exec := testExecution("exec-"+string(rune('a'+i)), name, baseTime.Add(time.Duration(i)*time.Minute))
			_ = s.Create(ctx, exec)
		}
		_ = s.MarkRunning(ctx, "exec-d", baseTime, nil)

		all, total, err := s.List(ctx, model.ExecutionFilters{WorkflowName: "create-product"})
		if err != nil {
			t.Fatalf("List error: %v", err)
		}
		if total != 3 || len(all) != 3 {
			t.Fatalf("total = %d, len = %d, want 3", total, len(all))
		}
		if all[0].ID != "exec-d" || all[2].ID != "exec-a" {
			t.Errorf("order = %s..%s, want exec-d..exec-a", all[0].ID, all[2].ID)
		}

		page, total, _ := s.List(ctx, model.ExecutionFilters{WorkflowName: "create-product", Page: 2, PageSize: 2})
		if total != 3 || len(page) != 1 || page[0].ID != "exec-a" {
			t.Errorf("page 2 = %v (total %d)", page, total)
		}

		running, _, _ := s.List(ctx, model.ExecutionFilters{Statuses: []model.ExecutionStatus{model.StatusRunning}})
		if len(running) != 1 || running[0].ID != "exec-d" {
			t.Errorf("running = %v", running)
		}

		recent, _, _ := s.List(ctx, model.ExecutionFilters{Since: baseTime.Add(90 * time.Second)})
		if len(recent) != 2 {
			t.Errorf("since filter returned %d, want 2", len(recent))
		}

		beyond, total, _ := s.List(ctx, model.ExecutionFilters{Page: 10, PageSize: 10})
		if len(beyond) != 0 || total != 4 {
			t.Errorf("beyond last page = %d rows, total %d", len(beyond), total)
		}
	})

	t.Run("find expired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := baseTime.Add(-time.Minute)
		future := baseTime.Add(time.Hour)

		for _, id := range []string{"expired", "alive", "no-deadline", "finished"} {
			_ = s.Create(ctx, testExecution(id, "create-product", baseTime))
		}
		_ = s.MarkRunning(ctx, "expired", baseTime, &past)
		_ = s.MarkRunning(ctx, "alive", baseTime, &future)
		_ = s.MarkRunning(ctx, "no-deadline", baseTime, nil)
		_ = s.MarkRunning(ctx, "finished", baseTime, &past)
		_ = s.Finish(ctx, "finished", Completion{Status: model.StatusCompleted, CompletedAt: baseTime})

		got, err := s.FindExpired(ctx, baseTime)
		if err != nil {
			t.Fatalf("FindExpired error: %v", err)
		}
		if len(got) != 1 || got[0].ID != "expired" {
			t.Errorf("FindExpired = %v, want [expired]", got)
		}
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		finish := func(id string, status model.ExecutionStatus, took time.Duration) {
			_ = s.Create(ctx, testExecution(id, "create-product", baseTime))
			_ = s.MarkRunning(ctx, id, baseTime, nil)
			_ = s.Finish(ctx, id, Completion{Status: status, CompletedAt: baseTime.Add(took)})
		}
		finish("a", model.StatusCompleted, 2*time.Second)
		finish("b", model.StatusCompleted, 4*time.Second)
		finish("c", model.StatusFailed, 6*time.Second)
		_ = s.Create(ctx, testExecution("d", "create-product", baseTime))
		_ = s.Create(ctx, testExecution("other", "update-product", baseTime))

		stats, err := s.Stats(ctx, "create-product", time.Time{})
		if err != nil {
			t.Fatalf("Stats error: %v", err)
		}
		if stats.Total != 4 {
			t.Errorf("Total = %d, want 4", stats.Total)
		}
		if stats.ByStatus[model.StatusCompleted] != 2 || stats.ByStatus[model.StatusFailed] != 1 || stats.ByStatus[model.StatusPending] != 1 {
			t.Errorf("ByStatus = %v", stats.ByStatus)
		}
		if stats.AverageDurationMs != 4000 {
			t.Errorf("AverageDurationMs = %d, want 4000", stats.AverageDurationMs)
		}

		none, _ := s.Stats(ctx, "create-product", baseTime.Add(time.Hour))
		if none.Total != 0 {
			t.Errorf("Total since later = %d, want 0", none.Total)
		}
	})

	t.Run("step events append and complete once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Create(ctx, testExecution("exec-1", "create-product", baseTime))

		for i, name := range []string{"reserve", "upload-image-1"} {
			ev := model.WorkflowStepEvent{
				ID:           "ev-" + name,
				ExecutionID:  "exec-1",
				WorkflowName: "create-product",
				StepName:     name,
				StepIndex:    i,
				Status:       model.StepRunning,
				StartedAt:    baseTime.Add(time.Duration(i) * time.Second),
			}
			if err := s.AppendStepEvent(ctx, ev); err != nil {
				t.Fatalf("AppendStepEvent error: %v", err)
			}
		}

		done := baseTime.Add(5 * time.Second)
		completed := model.WorkflowStepEvent{
			ID:          "ev-reserve",
			ExecutionID: "exec-1",
			Status:      model.StepCompleted,
			Output:      json.RawMessage(`{"product_id":"p-1"}`),
			DurationMs:  5000,
			Attempts:    1,
			CompletedAt: &done,
		}
		if err := s.CompleteStepEvent(ctx, completed); err != nil {
			t.Fatalf("CompleteStepEvent error: %v", err)
		}
		if err := s.CompleteStepEvent(ctx, completed); model.CodeOf(err) != model.ErrConflict && model.CodeOf(err) != model.ErrNotFound {
			t.Errorf("second CompleteStepEvent = %v, want refusal", err)
		}

		events, err := s.StepEvents(ctx, "exec-1")
		if err != nil {
			t.Fatalf("StepEvents error: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("len(events) = %d, want 2", len(events))
		}
		if events[0].StepName != "reserve" || events[0].Status != model.StepCompleted || events[0].CompletedAt == nil {
			t.Errorf("events[0] = %+v", events[0])
		}
		if events[0].DurationMs != 5000 || events[0].Attempts != 1 {
			t.Errorf("events[0] duration/attempts = %d/%d", events[0].DurationMs, events[0].Attempts)
		}
		if events[1].StepIndex != 1 || events[1].Status != model.StepRunning || events[1].CompletedAt != nil {
			t.Errorf("events[1] = %+v", events[1])
		}

		empty, err := s.StepEvents(ctx, "none")
		if err != nil || len(empty) != 0 {
			t.Errorf("StepEvents(none) = %v, %v", empty, err)
		}
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_Len(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Create(context.Background(), testExecution("exec-1", "wf", baseTime))
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestMemoryStore_FinishRejectsNonTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, testExecution("exec-1", "wf", baseTime))

	err := s.Finish(ctx, "exec-1", Completion{Status: model.StatusRunning, CompletedAt: baseTime})
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("Finish(RUNNING) = %v, want BAD_REQUEST", err)
	}
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestSQLiteStore(t) })
}

func TestSQLiteStore_HealthCheck(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck error: %v", err)
	}
}

func TestPgStore_Contract(t *testing.T) {
	pool := testutil.PostgresPool(t)
	if err := NewPgStore(pool).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}

	runStoreContract(t, func(t *testing.T) Store {
		testutil.TruncateTables(t, pool, "workflow_step_events", "workflow_executions")
		return NewPgStore(pool)
	})
}

func TestTruncateMessage_keepsRuneBoundary(t *testing.T) {
	msg := strings.Repeat("a", maxMessageBytes-1) + "é" + "tail"
	got := truncateMessage(msg)
	if len(got) != maxMessageBytes-1 {
		t.Errorf("len = %d, want %d", len(got), maxMessageBytes-1)
	}
	if truncateMessage("short") != "short" {
		t.Error("short messages must be unchanged")
	}
}
