package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatRateLimit  ErrorCategory = "rate_limit" // Caller rate limited
	ErrCatCancelled  ErrorCategory = "cancelled"  // Cooperative abort
	ErrCatSecurity   ErrorCategory = "security"   // CSRF / traversal violation
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatNetwork    ErrorCategory = "network"    // Remote endpoint failure
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Code == "" || e.Code == t.Code)
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: code, Message: message}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{Category: ErrCatExecution, Code: code, Message: message, Retryable: true}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{Category: ErrCatTimeout, Code: "TIMEOUT", Message: message, Retryable: true}
}

// ErrRateLimit creates a rate-limit error. It is surfaced to clients as a
// RATE_LIMIT_ERROR broadcast rather than a generic ERROR.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{Category: ErrCatRateLimit, Code: "RATE_LIMIT_EXCEEDED", Message: message, Retryable: true}
}

// ErrCancelled creates a cancellation error raised when the agent's abort
// handle fires mid-inference.
func ErrCancelled(message string) *DomainError {
	return &DomainError{Category: ErrCatCancelled, Code: "CANCELLED", Message: message}
}

// ErrSecurity creates a security violation error.
func ErrSecurity(code, message string) *DomainError {
	return &DomainError{Category: ErrCatSecurity, Code: code, Message: message}
}

// ErrNotFound creates a not-found error.
func ErrNotFound(code, message string) *DomainError {
	return &DomainError{Category: ErrCatNotFound, Code: code, Message: message}
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *DomainError {
	return &DomainError{Category: ErrCatInternal, Code: "INTERNAL", Message: message}
}

// IsCancelled reports whether err is a cooperative cancellation, either a
// domain-level abort or a context cancellation bubbling up from inference.
func IsCancelled(err error) bool {
	var de *DomainError
	if errors.As(err, &de) && de.Category == ErrCatCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Category == ErrCatRateLimit
}
