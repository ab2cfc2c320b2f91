// Package errors provides coded application errors so callers can branch on
// failure kind without string matching, and so the HTTP layer can map every
// failure to a stable status and machine-readable code.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a stable error kind.
type Code string

const (
	// ErrCodeConfiguration marks a missing or invalid approval schema. Fatal
	// to submission, never retried.
	ErrCodeConfiguration Code = "configuration"
	// ErrCodeInvalidState marks an operation against an entity in the wrong
	// lifecycle state (stale caller view).
	ErrCodeInvalidState Code = "invalid_state"
	// ErrCodeStaleStep marks a decision that lost a race or targeted a step
	// that is not the current one. Safe to retry after re-reading state.
	ErrCodeStaleStep Code = "stale_step"
	// ErrCodeUnauthorizedSigner marks a decision attempt without a valid
	// certificate or the required role.
	ErrCodeUnauthorizedSigner Code = "unauthorized_signer"
	// ErrCodeConflict marks duplicate creation attempts (certificate issuance,
	// unique constraint violations).
	ErrCodeConflict Code = "conflict"

	ErrCodeNotFound     Code = "not_found"
	ErrCodeInvalidInput Code = "invalid_input"
	// ErrCodeUnavailable marks transient storage failures. The only code
	// eligible for automatic retry.
	ErrCodeUnavailable Code = "unavailable"
	ErrCodeInternal    Code = "internal"
)

// Error is a coded application error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput creates a validation error for a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf extracts the code from err, or ErrCodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err is a transient failure the caller may retry
// with the same intent. Conflicting-write failures are definitive and are
// never retryable.
func Retryable(err error) bool {
	return IsCode(err, ErrCodeUnavailable)
}

// HTTPStatus maps an error to the HTTP status the handler layer should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorizedSigner:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeStaleStep, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
