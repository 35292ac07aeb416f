// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInternal    = errors.New("internal error")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrCircuitOpen = errors.New("circuit open")
	ErrUnavailable = errors.New("backend unavailable")
	ErrTooLarge    = errors.New("payload too large")
)

// Error provides structured error with context.
type Error struct {
	Sentinel  error  // Wrapped sentinel for errors.Is() classification
	Message   string // Human-readable message
	Field     string // For validation errors (e.g., "model", "device")
	Resource  string // For not found/conflict (e.g., "job", "stem")
	Op        string // Operation that failed (e.g., "executor.submit")
	Cause     error  // Underlying error
	Remaining int    // For rate-limit errors: requests left in the window
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// RateLimited creates a rate-limit rejection carrying the remaining quota.
func RateLimited(remaining int) error {
	return &Error{
		Sentinel:  ErrRateLimited,
		Message:   "rate limit exceeded, retry later",
		Remaining: remaining,
	}
}

// CircuitOpen creates a rejection for a resource whose circuit breaker is open.
func CircuitOpen(resource string) error {
	return &Error{
		Sentinel: ErrCircuitOpen,
		Message:  fmt.Sprintf("%s temporarily rejecting requests after repeated failures", resource),
		Resource: resource,
	}
}

// Unavailable creates a backend-unavailable error wrapping an underlying cause.
func Unavailable(op string, cause error) error {
	msg := "separation backend unavailable, retry later"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  msg,
		Op:       op,
		Cause:    cause,
	}
}

// TooLarge creates a payload-size rejection.
func TooLarge(field, message string) error {
	return &Error{
		Sentinel: ErrTooLarge,
		Message:  message,
		Field:    field,
	}
}
