package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Orchestration error codes
const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrWorkerUnavailable ErrorCode = "WORKER_UNAVAILABLE"
	ErrWorkerFailed      ErrorCode = "WORKER_FAILED"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Checkpoint error codes
const (
	ErrCheckpointNotFound  ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrArtifactValidation  ErrorCode = "ARTIFACT_VALIDATION"
	ErrCheckpointCorrupted ErrorCode = "CHECKPOINT_CORRUPTED"
)

// Pipeline error codes. These mark infrastructure failures inside a
// domain computation: they fail the operation visibly instead of being
// downgraded to a low score.
const (
	ErrTrainingData ErrorCode = "TRAINING_DATA"
	ErrBacktestData ErrorCode = "BACKTEST_DATA"
	ErrModelLoad    ErrorCode = "MODEL_LOAD"
)

// Research workflow error codes
const (
	ErrGateFailed ErrorCode = "GATE_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Phase      string    `json:"phase,omitempty"`
	Cause      error     `json:"-"`
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
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithPhase attaches the workflow phase in which the error occurred.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err carries a not-found code.
func IsNotFound(err error) bool {
	code := GetErrorCode(err)
	return code == ErrNotFound || code == ErrCheckpointNotFound
}

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool {
	return GetErrorCode(err) == ErrConflict
}

// IsPipelineError reports whether err is an infrastructure failure raised
// by a domain computation (bad data, missing model artifact, empty split).
func IsPipelineError(err error) bool {
	switch GetErrorCode(err) {
	case ErrTrainingData, ErrBacktestData, ErrModelLoad:
		return true
	default:
		return false
	}
}
