package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Configuration error codes. Configuration errors are fatal: they abort
// compilation and are never retried.
const (
	ErrDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"
	ErrMissingOptimizer      ErrorCode = "MISSING_OPTIMIZER"
	ErrBadSample             ErrorCode = "BAD_SAMPLE"
	ErrScopeNotFound         ErrorCode = "SCOPE_NOT_FOUND"
	ErrDuplicateChannel      ErrorCode = "DUPLICATE_CHANNEL"
	ErrInvalidRole           ErrorCode = "INVALID_ROLE"
	ErrDuplicateKey          ErrorCode = "DUPLICATE_KEY"
)

// Protocol and runtime error codes.
const (
	ErrGradientStructure ErrorCode = "GRADIENT_STRUCTURE"
	ErrShapeMismatch     ErrorCode = "SHAPE_MISMATCH"
	ErrCommClosed        ErrorCode = "COMM_CLOSED"
	ErrRecvTimeout       ErrorCode = "RECV_TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Task      string    `json:"task,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Task != "" {
		msg = fmt.Sprintf("%s (task=%s)", msg, e.Task)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTask attaches the offending task name.
func (e *Error) WithTask(task string) *Error {
	e.Task = task
	return e
}

// WithMode attaches the offending mode.
func (e *Error) WithMode(mode Mode) *Error {
	e.Mode = mode
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsGradientStructure reports whether err is the recoverable class of
// gradient-application failures: a value-shape/structure problem for a
// single optimizer binding. Such errors degrade to a warning; everything
// else propagates.
func IsGradientStructure(err error) bool {
	code := GetErrorCode(err)
	return code == ErrGradientStructure || code == ErrShapeMismatch
}
