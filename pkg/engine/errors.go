package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution failures
type ErrorKind string

const (
	ErrKindToolNotFound     ErrorKind = "TOOL_NOT_FOUND"
	ErrKindValidation       ErrorKind = "VALIDATION_ERROR"
	ErrKindPermissionDenied ErrorKind = "PERMISSION_DENIED"
	ErrKindTimeout          ErrorKind = "EXECUTION_TIMEOUT"
	ErrKindCancelled        ErrorKind = "EXECUTION_CANCELLED"
	ErrKindExecution        ErrorKind = "EXECUTION_ERROR"
	ErrKindMaxRetries       ErrorKind = "MAX_RETRIES_EXCEEDED"
	ErrKindDeprecated       ErrorKind = "DEPRECATED_TOOL"
	ErrKindCircuitOpen      ErrorKind = "CIRCUIT_OPEN"
)

// ExecutionError is the structured error attached to a failed execution.
// Recoverable errors may be retried if the tool's policy matches them.
type ExecutionError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Cause       error     `json:"-"`
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches on error kind so callers can use errors.Is with a bare kind error
func (e *ExecutionError) Is(target error) bool {
	var other *ExecutionError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// IsKind reports whether err is an ExecutionError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind == kind
	}
	return false
}

func errToolNotFound(toolID string) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindToolNotFound,
		Message:     fmt.Sprintf("tool not found: %s", toolID),
		Recoverable: false,
	}
}

func errValidation(cause error) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindValidation,
		Message:     fmt.Sprintf("parameter validation failed: %v", cause),
		Recoverable: false,
		Cause:       cause,
	}
}

func errPermissionDenied(toolID, reason string) *ExecutionError {
	msg := fmt.Sprintf("permission denied for tool %s", toolID)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return &ExecutionError{
		Kind:        ErrKindPermissionDenied,
		Message:     msg,
		Recoverable: false,
	}
}

func errTimeout(toolID string, timeout string) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindTimeout,
		Message:     fmt.Sprintf("tool %s execution timeout after %s", toolID, timeout),
		Recoverable: true,
	}
}

func errCancelled(toolID string) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindCancelled,
		Message:     fmt.Sprintf("tool %s execution aborted", toolID),
		Recoverable: false,
	}
}

func errExecution(cause error) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindExecution,
		Message:     cause.Error(),
		Recoverable: true,
		Cause:       cause,
	}
}

func errMaxRetries(retries int, last *ExecutionError) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindMaxRetries,
		Message:     fmt.Sprintf("max retries (%d) exceeded: %s", retries, last.Message),
		Recoverable: false,
		Cause:       last,
	}
}

func errDeprecated(toolID string) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindDeprecated,
		Message:     fmt.Sprintf("tool %s is deprecated and deprecated tools are not allowed", toolID),
		Recoverable: false,
	}
}

func errCircuitOpen(toolID string, cause error) *ExecutionError {
	return &ExecutionError{
		Kind:        ErrKindCircuitOpen,
		Message:     fmt.Sprintf("tool %s circuit open: %v", toolID, cause),
		Recoverable: false,
		Cause:       cause,
	}
}
