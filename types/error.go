package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Structural and submission error codes
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrCyclicWorkflow    ErrorCode = "CYCLIC_WORKFLOW"
	ErrUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrPoolExhausted     ErrorCode = "POOL_EXHAUSTED"
)

// Execution error codes
const (
	ErrProvisioning         ErrorCode = "PROVISIONING"
	ErrInteractionTransient ErrorCode = "INTERACTION_TRANSIENT"
	ErrInteractionFatal     ErrorCode = "INTERACTION_FATAL"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrAccessDenied         ErrorCode = "ACCESS_DENIED"
	ErrCancelled            ErrorCode = "CANCELLED"
)

// Agent error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrAgentTerminated   ErrorCode = "AGENT_TERMINATED"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// defaultRetryable maps error codes to their default retry classification.
// Transient interaction failures, timeouts, and provisioning failures are
// recoverable; everything else is terminal unless overridden.
func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrInteractionTransient, ErrTimeout, ErrProvisioning:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error. Unclassified errors
// map to ErrInternalError so callers always see a member of the taxonomy.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternalError
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
