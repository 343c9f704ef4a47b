package model

import "encoding/json"

// ResultStatus is the top-level discriminator of a WorkflowResult.
type ResultStatus string

// Result status constants.
const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// WorkflowResult is what the engine hands back for one execute call.
type WorkflowResult struct {
	ExecutionID string          `json:"execution_id"`
	Status      ResultStatus    `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       *ResultError    `json:"error,omitempty"`
	// Replayed is true when Data came from a completed idempotency claim and
	// the workflow body was not run.
	Replayed bool `json:"replayed,omitempty"`
}

// ResultError describes a failed execution.
type ResultError struct {
	Message string  `json:"message"`
	Code    string  `json:"code,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// Succeeded reports whether the result carries data rather than an error.
func (r WorkflowResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Decode unmarshals Data into v.
func (r WorkflowResult) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// SuccessResult builds a successful result.
func SuccessResult(executionID string, data json.RawMessage) WorkflowResult {
	return WorkflowResult{ExecutionID: executionID, Status: ResultSuccess, Data: data}
}

// FailureResult builds a failed result.
func FailureResult(executionID string, rerr ResultError) WorkflowResult {
	return WorkflowResult{ExecutionID: executionID, Status: ResultFailure, Error: &rerr}
}

// WorkflowOptions are per-call execution options.
type WorkflowOptions struct {
	CorrelationID     string         `json:"correlation_id,omitempty"`
	LockKey           string         `json:"lock_key,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	MaxRetries        *int           `json:"max_retries,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}
