package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

// Execution status constants.
const (
	StatusPending     ExecutionStatus = "PENDING"
	StatusRunning     ExecutionStatus = "RUNNING"
	StatusCompleted   ExecutionStatus = "COMPLETED"
	StatusFailed      ExecutionStatus = "FAILED"
	StatusCompensated ExecutionStatus = "COMPENSATED"
	StatusCancelled   ExecutionStatus = "CANCELLED"
	StatusTimeout     ExecutionStatus = "TIMEOUT"
	StatusPaused      ExecutionStatus = "PAUSED"
)

// TerminalStatuses lists every status after which an execution never changes.
var TerminalStatuses = []ExecutionStatus{
	StatusCompleted, StatusFailed, StatusCompensated, StatusCancelled, StatusTimeout,
}

// ActiveStatuses lists the statuses reported by the active-executions view.
var ActiveStatuses = []ExecutionStatus{StatusRunning, StatusPaused}

// IsTerminal reports whether s is one of TerminalStatuses.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused:
		return true
	}
	return s.IsTerminal()
}

// Outcome classifies what a failed execution left behind.
type Outcome string

const (
	// OutcomeNothingHappened means no compensable side effect was registered.
	OutcomeNothingHappened Outcome = "NOTHING_HAPPENED"
	// OutcomeUndone means every registered side effect was compensated.
	OutcomeUndone Outcome = "UNDONE"
	// OutcomeNotUndone means at least one side effect survives and needs an
	// operator.
	OutcomeNotUndone Outcome = "NOT_UNDONE"
)

// SafeToRetry reports whether a caller may resubmit without reconciliation.
func (o Outcome) SafeToRetry() bool {
	return o == OutcomeNothingHappened || o == OutcomeUndone
}

// WorkflowExecution is one recorded run of a named workflow.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	WorkflowName      string          `json:"workflow_name"`
	Status            ExecutionStatus `json:"status"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             string          `json:"error,omitempty"`
	Outcome           Outcome         `json:"outcome,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	RetryOf           string          `json:"retry_of,omitempty"`
	CorrelationID     string          `json:"correlation_id"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	LockKey           string          `json:"lock_key,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	DeadlineAt        *time.Time      `json:"deadline_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Duration returns CompletedAt − CreatedAt. ok is false while the execution
// has not reached a terminal status.
func (e WorkflowExecution) Duration() (d time.Duration, ok bool) {
	if e.CompletedAt == nil || e.CreatedAt.IsZero() {
		return 0, false
	}
	return e.CompletedAt.Sub(e.CreatedAt), true
}

// StepStatus is the state recorded on a WorkflowStepEvent.
type StepStatus string

// Step status constants.
const (
	StepRunning            StepStatus = "RUNNING"
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// WorkflowStepEvent is the durable record of one step invocation, or of one
// compensation run during an unwind.
type WorkflowStepEvent struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	WorkflowName  string          `json:"workflow_name"`
	StepName      string          `json:"step_name"`
	StepIndex     int             `json:"step_index"`
	TotalSteps    int             `json:"total_steps,omitempty"`
	Status        StepStatus      `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	Attempts      int             `json:"attempts,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionDetail is one execution together with its ordered step events.
type ExecutionDetail struct {
	Execution WorkflowExecution   `json:"execution"`
	Steps     []WorkflowStepEvent `json:"steps"`
}

// ExecutionFilters are optional filters for listing executions. Page is
// 1-based; a zero PageSize means no limit.
type ExecutionFilters struct {
	WorkflowName string
	Statuses     []ExecutionStatus
	Since        time.Time
	Page         int
	PageSize     int
}

// Offset returns the row offset implied by Page and PageSize.
func (f ExecutionFilters) Offset() int {
	if f.Page <= 1 || f.PageSize <= 0 {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}

// WorkflowStatistics aggregates executions of one workflow over a window.
type WorkflowStatistics struct {
	WorkflowName      string                  `json:"workflow_name"`
	Since             time.Time               `json:"since"`
	Total             int                     `json:"total"`
	ByStatus          map[ExecutionStatus]int `json:"by_status"`
	AverageDurationMs int64                   `json:"average_duration_ms"`
}

// WorkflowInfo describes a registered workflow for operational tooling.
type WorkflowInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputType   string `json:"input_type"`
	OutputType  string `json:"output_type"`
	MaxRetries  int    `json:"max_retries"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
}

// StepProgress is a fire-and-forget progress signal for long-running steps.
type StepProgress struct {
	ExecutionID   string    `json:"execution_id"`
	WorkflowName  string    `json:"workflow_name"`
	CorrelationID string    `json:"correlation_id"`
	StepName      string    `json:"step_name"`
	StepIndex     int       `json:"step_index"`
	Current       int       `json:"current"`
	Total         int       `json:"total"`
	TotalSteps    int       `json:"total_steps,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
