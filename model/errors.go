package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrUnavailable     = "UNAVAILABLE"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound       = "WORKFLOW_NOT_FOUND"
	ErrWorkflowInProgress     = "WORKFLOW_IN_PROGRESS"
	ErrIdempotencyConflict    = "IDEMPOTENCY_CONFLICT"
	ErrExecutionNotFound      = "EXECUTION_NOT_FOUND"
	ErrExecutionNotRetryable  = "EXECUTION_NOT_RETRYABLE"
	ErrExecutionNotActive     = "EXECUTION_NOT_ACTIVE"
	ErrRetryCapExceeded       = "RETRY_CAP_EXCEEDED"
	ErrExecutionTimeout       = "EXECUTION_TIMEOUT"
	ErrExecutionCancelled     = "EXECUTION_CANCELLED"
	ErrStepTimeout            = "STEP_TIMEOUT"
	ErrCompensationIncomplete = "COMPENSATION_INCOMPLETE"
)

// ErrorEnvelope is the standard error shape returned by the engine and the
// HTTP surface. It implements the error interface.
type ErrorEnvelope struct {
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	Details     []FieldError `json:"details,omitempty"`
	ExecutionID string       `json:"execution_id,omitempty"`
	TraceID     string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnavailableError returns an UNAVAILABLE error for a dependency that is
// temporarily refusing calls.
func NewUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnavailable, Message: msg}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q is not registered", name),
	}
}

// NewWorkflowInProgressError reports that another execution holds the claim.
// Callers should poll executionID instead of resubmitting.
func NewWorkflowInProgressError(key, executionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:        ErrWorkflowInProgress,
		Message:     fmt.Sprintf("an execution for key %q is already running", key),
		ExecutionID: executionID,
	}
}

// NewIdempotencyConflictError reports a lost claim race or a key reused with
// different input.
func NewIdempotencyConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIdempotencyConflict, Message: msg}
}

// NewExecutionNotFoundError returns an EXECUTION_NOT_FOUND error.
func NewExecutionNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:        ErrExecutionNotFound,
		Message:     fmt.Sprintf("execution %q not found", id),
		ExecutionID: id,
	}
}

// NewExecutionNotRetryableError returns an EXECUTION_NOT_RETRYABLE error.
func NewExecutionNotRetryableError(id string, status ExecutionStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:        ErrExecutionNotRetryable,
		Message:     fmt.Sprintf("execution %q is %s; only %s executions can be retried", id, status, StatusFailed),
		ExecutionID: id,
	}
}

// NewExecutionAlreadyRetriedError reports that id already has a retry.
// Further retries go through retryID.
func NewExecutionAlreadyRetriedError(id, retryID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:        ErrExecutionNotRetryable,
		Message:     fmt.Sprintf("execution %q was already retried as %q; retry that execution instead", id, retryID),
		ExecutionID: id,
	}
}

// NewExecutionNotActiveError returns an EXECUTION_NOT_ACTIVE error.
func NewExecutionNotActiveError(id, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExecutionNotActive, Message: msg, ExecutionID: id}
}

// NewRetryCapExceededError returns a RETRY_CAP_EXCEEDED error.
func NewRetryCapExceededError(id string, maxRetries int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:        ErrRetryCapExceeded,
		Message:     fmt.Sprintf("execution %q reached the retry cap of %d", id, maxRetries),
		ExecutionID: id,
	}
}
