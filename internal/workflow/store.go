package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/orchestra/model"
)

// Store persists workflow executions and their step events.
type Store interface {
	// Create persists a new execution. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, exec model.WorkflowExecution) error

	// Get retrieves an execution by ID. Returns EXECUTION_NOT_FOUND if the
	// execution doesn't exist.
	Get(ctx context.Context, id string) (model.WorkflowExecution, error)

	// MarkRunning moves a PENDING execution to RUNNING. Returns CONFLICT if
	// the execution is not PENDING.
	MarkRunning(ctx context.Context, id string, startedAt time.Time, deadline *time.Time) error

	// Finish performs the single terminal transition. It sets status,
	// output, error, outcome and completed_at together and returns CONFLICT
	// if the execution is already terminal.
	Finish(ctx context.Context, id string, c Completion) error

	// AmendOutcome rewrites the outcome of a CANCELLED or TIMEOUT execution
	// once its body has unwound. Returns CONFLICT for any other status.
	AmendOutcome(ctx context.Context, id string, outcome model.Outcome) error

	// List returns one page of executions matching filters, newest first,
	// together with the total number of matches.
	List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error)

	// FindExpired returns RUNNING executions whose deadline is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowExecution, error)

	// Stats aggregates executions of one workflow created at or after since.
	Stats(ctx context.Context, workflowName string, since time.Time) (model.WorkflowStatistics, error)

	// AppendStepEvent adds a step event. Events are append-only.
	AppendStepEvent(ctx context.Context, event model.WorkflowStepEvent) error

	// CompleteStepEvent records the outcome of a RUNNING step event. Returns
	// CONFLICT if the event is already completed.
	CompleteStepEvent(ctx context.Context, event model.WorkflowStepEvent) error

	// StepEvents returns an execution's step events ordered by step index.
	StepEvents(ctx context.Context, executionID string) ([]model.WorkflowStepEvent, error)
}

// Completion is the payload of the terminal transition.
type Completion struct {
	Status      model.ExecutionStatus
	Output      json.RawMessage
	Error       string
	Outcome     model.Outcome
	CompletedAt time.Time
}

// amendableStatuses are the terminal statuses set while the body may still
// be unwinding.
var amendableStatuses = []model.ExecutionStatus{model.StatusCancelled, model.StatusTimeout}

func isAmendable(status model.ExecutionStatus) bool {
	for _, st := range amendableStatuses {
		if st == status {
			return true
		}
	}
	return false
}

func encodeMetadata(md map[string]any) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode execution metadata: %w", err)
	}
	return raw, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode execution metadata: %w", err)
	}
	return md, nil
}

// maxMessageBytes bounds error messages before they are persisted.
const maxMessageBytes = 2048

// truncateMessage cuts msg to maxMessageBytes without splitting a UTF-8
// sequence.
func truncateMessage(msg string) string {
	if len(msg) <= maxMessageBytes {
		return msg
	}
	cut := maxMessageBytes
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// matchesFilters reports whether exec passes filters. Shared by the
// in-memory store and tests.
func matchesFilters(exec model.WorkflowExecution, filters model.ExecutionFilters) bool {
	if filters.WorkflowName != "" && exec.WorkflowName != filters.WorkflowName {
		return false
	}
	if !filters.Since.IsZero() && exec.CreatedAt.Before(filters.Since) {
		return false
	}
	if len(filters.Statuses) > 0 {
		for _, s := range filters.Statuses {
			if exec.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// buildStats folds executions into WorkflowStatistics. Average duration
// covers terminal executions only.
func buildStats(workflowName string, since time.Time, execs []model.WorkflowExecution) model.WorkflowStatistics {
	stats := model.WorkflowStatistics{
		WorkflowName: workflowName,
		Since:        since,
		ByStatus:     make(map[model.ExecutionStatus]int),
	}
	var totalMs int64
	var finished int64
	for _, exec := range execs {
		stats.Total++
		stats.ByStatus[exec.Status]++
		if d, ok := exec.Duration(); ok {
			totalMs += d.Milliseconds()
			finished++
		}
	}
	if finished > 0 {
		stats.AverageDurationMs = totalMs / finished
	}
	return stats
}
