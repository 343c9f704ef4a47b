// Package transport contains the HTTP router, middleware chain, and request
// handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/orchestra/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrValidationError:        http.StatusUnprocessableEntity,
	model.ErrInternalError:          http.StatusInternalServerError,
	model.ErrUnavailable:            http.StatusServiceUnavailable,
	model.ErrWorkflowNotFound:       http.StatusNotFound,
	model.ErrWorkflowInProgress:     http.StatusConflict,
	model.ErrIdempotencyConflict:    http.StatusConflict,
	model.ErrExecutionNotFound:      http.StatusNotFound,
	model.ErrExecutionNotRetryable:  http.StatusConflict,
	model.ErrExecutionNotActive:     http.StatusConflict,
	model.ErrRetryCapExceeded:       http.StatusConflict,
	model.ErrExecutionTimeout:       http.StatusGatewayTimeout,
	model.ErrExecutionCancelled:     http.StatusConflict,
	model.ErrStepTimeout:            http.StatusGatewayTimeout,
	model.ErrCompensationIncomplete: http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned and the cause stays in the logs.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}
