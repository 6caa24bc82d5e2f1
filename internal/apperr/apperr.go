// Package apperr defines the error taxonomy shared across the mission
// orchestrator, mapping each kind to a stable API code and HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code strings are part of the HTTP API contract; do not rename.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeValidation     = "VALIDATION_ERROR"
	CodeInvalidState   = "INVALID_STATE"
	CodeConflict       = "CONFLICT"
	CodePrecondition   = "CONFLICT" // precondition failures share the 409/CONFLICT code family
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInternal       = "INTERNAL_ERROR"
)

// AppError is the single error type crossing component boundaries.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound reports a missing entity of the given kind.
func NotFound(kind, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", kind, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation reports field-keyed input errors.
func Validation(issues map[string]any) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    "validation failed",
		HTTPStatus: http.StatusBadRequest,
		Details:    issues,
	}
}

// ValidationMsg is a convenience for a single free-text validation failure.
func ValidationMsg(msg string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidStateTransition reports a disallowed mission/task/process transition.
func InvalidStateTransition(from, to string) *AppError {
	return &AppError{
		Code:       CodeInvalidState,
		Message:    fmt.Sprintf("cannot transition from %q to %q", from, to),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"from": from, "to": to},
	}
}

// Conflict reports a uniqueness or concurrent-modification violation.
func Conflict(reason string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    reason,
		HTTPStatus: http.StatusConflict,
	}
}

// Precondition reports a failed precondition, e.g. deleting a project with
// active missions.
func Precondition(reason string) *AppError {
	return &AppError{
		Code:       CodePrecondition,
		Message:    reason,
		HTTPStatus: http.StatusConflict,
	}
}

// Unauthorized reports a missing or invalid bearer token.
func Unauthorized(msg string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    msg,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Internal wraps an unexpected error; the cause is logged, never returned to
// the client verbatim.
func Internal(cause error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "internal error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        cause,
	}
}

// Wrap preserves an existing AppError's code/status while adding context, or
// demotes a plain error to Internal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
			Err:        err,
		}
	}
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Is reports whether err is an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the status code for err, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
