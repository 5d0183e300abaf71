// Package domainerrors provides coded errors shared by services, stores, and
// transport. Handlers translate codes to HTTP statuses in one place so the
// JSON error envelope stays consistent across endpoints.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error for transport mapping and callers that need
// to branch on failure class without string matching.
type Code string

const (
	CodeBadRequest Code = "bad_request"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeGone       Code = "gone"
	CodeTimeout    Code = "timeout"
	CodeInternal   Code = "internal"

	// CodeLedgerWriteFailed marks a command whose ledger append failed. The
	// enclosing transaction rolls back, so the mutation is not persisted either.
	CodeLedgerWriteFailed Code = "ledger_write_failed"

	// CodeIdempotencyConflict marks a replayed idempotency key presented with a
	// different request body.
	CodeIdempotencyConflict Code = "idempotency_conflict"

	// CodeExportNotReady marks a download attempt against a job that has not
	// reached the ready state.
	CodeExportNotReady Code = "export_not_ready"

	// CodeExportPoisoned marks a job that exhausted its retry budget. Not
	// retryable.
	CodeExportPoisoned Code = "export_poisoned"

	CodeVerifyMismatch Code = "verify_mismatch"
	CodeVerifyExpired  Code = "verify_expired"
)

// Error is the concrete coded error type. Use New/Wrap to construct.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err returns
// nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for untyped
// errors so transport never leaks internals.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeIdempotencyConflict, CodeExportNotReady:
		return http.StatusConflict
	case CodeGone, CodeVerifyExpired:
		return http.StatusGone
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeVerifyMismatch:
		return http.StatusUnprocessableEntity
	case CodeExportPoisoned:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
