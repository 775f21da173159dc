// Package coreerr defines the structured error taxonomy shared by every
// component of the sandboxed agent execution core.
package coreerr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure, independent of the Go error type
// that carries it. Kinds match the taxonomy in the core's design: each one
// maps to a fixed retry policy and a fixed outward presentation (terminal
// RunEvent, HTTP status, or both).
type Code string

const (
	InvalidRequest     Code = "invalid_request"
	ProxyStartFailed   Code = "proxy_start_failed"
	DuplicateRun       Code = "duplicate_run"
	SandboxStartFailed Code = "sandbox_start_failed"
	SandboxTimeout     Code = "sandbox_timeout"
	SandboxNonzeroExit Code = "sandbox_nonzero_exit"
	InvalidEnvelope    Code = "invalid_envelope"
	GatewayUnavailable Code = "gateway_unavailable"
	Cancelled          Code = "cancelled"
	AuthFailed         Code = "auth_failed"
	DuplicateReceipt   Code = "duplicate_receipt"
	TransientDBError   Code = "transient_db_error"
	InternalError      Code = "internal_error"
)

// retryable reports whether the core itself retries this kind internally,
// per the taxonomy table: only gateway_unavailable is retried in-process
// (bounded backoff); transient_db_error is retried by the caller via
// redelivery, not by the core.
var retryable = map[Code]bool{
	GatewayUnavailable: true,
}

// Error is a structured error: a stable code, a human message, an optional
// HTTP status for the inbound-facing paths, and an optional cause chain.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Cause      error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an existing cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithHTTPStatus sets the HTTP status this error should surface as.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// Retryable reports whether the core retries this kind of failure
// internally (currently true only for gateway_unavailable).
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// CodeOf extracts the Code from err, or InternalError if err is not (or
// does not wrap) a *Error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return InternalError
}

// IsRetryable reports whether err is an internally-retried *Error.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}
