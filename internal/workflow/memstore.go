package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/orchestra/model"
)

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]model.WorkflowExecution // key: execution ID
	events     map[string][]model.WorkflowStepEvent // key: execution ID
}

// NewMemoryStore creates a new in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]model.WorkflowExecution),
		events:     make(map[string][]model.WorkflowStepEvent),
	}
}

// Create persists a new execution.
func (s *MemoryStore) Create(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}
	exec.CompletedAt = nil
	exec.Metadata = maps.Clone(exec.Metadata)
	s.executions[exec.ID] = exec
	return nil
}

// Get retrieves an execution by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return model.WorkflowExecution{}, model.NewExecutionNotFoundError(id)
	}
	return exec, nil
}

// MarkRunning moves a PENDING execution to RUNNING.
func (s *MemoryStore) MarkRunning(_ context.Context, id string, startedAt time.Time, deadline *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[id]
	if !exists {
		return model.NewExecutionNotFoundError(id)
	}
	if exec.Status != model.StatusPending {
		return model.NewConflictError(
			fmt.Sprintf("execution %q is %s, expected %s", id, exec.Status, model.StatusPending),
		)
	}
	exec.Status = model.StatusRunning
	exec.StartedAt = &startedAt
	exec.DeadlineAt = deadline
	s.executions[id] = exec
	return nil
}

// Finish performs the terminal transition.
func (s *MemoryStore) Finish(_ context.Context, id string, c Completion) error {
	if !c.Status.IsTerminal() {
		return model.NewBadRequestError(fmt.Sprintf("status %s is not terminal", c.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[id]
	if !exists {
		return model.NewExecutionNotFoundError(id)
	}
	if exec.Status.IsTerminal() {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already finished as %s", id, exec.Status),
		)
	}

	completedAt := c.CompletedAt
	exec.Status = c.Status
	exec.Output = c.Output
	exec.Error = truncateMessage(c.Error)
	exec.Outcome = c.Outcome
	exec.CompletedAt = &completedAt
	s.executions[id] = exec
	return nil
}

// AmendOutcome rewrites the outcome of a CANCELLED or TIMEOUT execution.
func (s *MemoryStore) AmendOutcome(_ context.Context, id string, outcome model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[id]
	if !exists {
		return model.NewExecutionNotFoundError(id)
	}
	if !isAmendable(exec.Status) {
		return model.NewConflictError(
			fmt.Sprintf("execution %q is %s; only cancelled or timed out outcomes can be amended", id, exec.Status),
		)
	}
	exec.Outcome = outcome
	s.executions[id] = exec
	return nil
}

// List returns a page of executions matching filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkflowExecution
	for _, exec := range s.executions {
		if matchesFilters(exec, filters) {
			matched = append(matched, exec)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := filters.Offset()
	if offset >= total {
		return []model.WorkflowExecution{}, total, nil
	}
	end := total
	if filters.PageSize > 0 && offset+filters.PageSize < total {
		end = offset + filters.PageSize
	}
	return matched[offset:end], total, nil
}

// FindExpired returns RUNNING executions whose deadline is before cutoff,
// oldest deadline first.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowExecution
	for _, exec := range s.executions {
		if exec.Status == model.StatusRunning && exec.DeadlineAt != nil && exec.DeadlineAt.Before(cutoff) {
			result = append(result, exec)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DeadlineAt.Before(*result[j].DeadlineAt)
	})
	return result, nil
}

// Stats aggregates executions of one workflow.
func (s *MemoryStore) Stats(_ context.Context, workflowName string, since time.Time) (model.WorkflowStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []model.WorkflowExecution
	filters := model.ExecutionFilters{WorkflowName: workflowName, Since: since}
	for _, exec := range s.executions {
		if matchesFilters(exec, filters) {
			execs = append(execs, exec)
		}
	}
	return buildStats(workflowName, since, execs), nil
}

// AppendStepEvent adds a step event.
func (s *MemoryStore) AppendStepEvent(_ context.Context, event model.WorkflowStepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events[event.ExecutionID] {
		if e.ID == event.ID {
			return model.NewConflictError(fmt.Sprintf("step event %q already exists", event.ID))
		}
	}
	event.Error = truncateMessage(event.Error)
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], event)
	return nil
}

// CompleteStepEvent records the outcome of a RUNNING step event.
func (s *MemoryStore) CompleteStepEvent(_ context.Context, event model.WorkflowStepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[event.ExecutionID]
	for i := range events {
		if events[i].ID != event.ID {
			continue
		}
		if events[i].CompletedAt != nil {
			return model.NewConflictError(fmt.Sprintf("step event %q already completed", event.ID))
		}
		events[i].Status = event.Status
		events[i].Output = event.Output
		events[i].Error = truncateMessage(event.Error)
		events[i].ErrorKind = event.ErrorKind
		events[i].DurationMs = event.DurationMs
		events[i].Attempts = event.Attempts
		events[i].CompletedAt = event.CompletedAt
		return nil
	}
	return model.NewNotFoundError(fmt.Sprintf("step event %q not found", event.ID))
}

// StepEvents returns an execution's step events ordered by step index.
func (s *MemoryStore) StepEvents(_ context.Context, executionID string) ([]model.WorkflowStepEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[executionID]
	result := make([]model.WorkflowStepEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StepIndex < result[j].StepIndex
	})
	return result, nil
}

// Len returns the number of stored executions (for testing).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}
