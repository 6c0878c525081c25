// Package util provides shared utility types for the gateway core.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNoHealthyInstance.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., BackendError, StorageError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTimeout           = errors.New("timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNoHealthyInstance = errors.New("no healthy instance available")
	ErrBackendUnavail    = errors.New("backend unavailable")
	ErrStorageUnavail    = errors.New("storage unavailable")
)

// BackendError represents a failure while calling a backend instance.
type BackendError struct {
	Service  string
	Instance string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend %s/%s error: %s: %v", e.Service, e.Instance, e.Message, e.Cause)
	}
	return fmt.Sprintf("backend %s/%s error: %s", e.Service, e.Instance, e.Message)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *BackendError) Is(target error) bool {
	if target == ErrBackendUnavail {
		return true
	}
	_, ok := target.(*BackendError)
	return ok || errors.Is(e.Cause, target)
}

// NewBackendError creates a new BackendError.
func NewBackendError(service, instance, message string, cause error) *BackendError {
	return &BackendError{Service: service, Instance: instance, Message: message, Cause: cause}
}

// CircuitOpenError indicates a request was rejected by an open circuit.
type CircuitOpenError struct {
	Service string
	Route   string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s %s", e.Service, e.Route)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(service, route string) *CircuitOpenError {
	return &CircuitOpenError{Service: service, Route: route}
}

// RateLimitError indicates a request exceeded its rate limit.
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d, retry after: %v)", e.Key, e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(key string, limit int, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Key: key, Limit: limit, RetryAfter: retryAfter}
}

// StorageError represents a shared key/value store failure. Components that
// encounter it fail open rather than rejecting the request.
type StorageError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *StorageError) Is(target error) bool {
	if target == ErrStorageUnavail {
		return true
	}
	_, ok := target.(*StorageError)
	return ok || errors.Is(e.Cause, target)
}

// NewStorageError creates a new StorageError.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{Op: op, Cause: cause}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsClientError returns true if the error maps to a 4xx outcome.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrRateLimited)
}

// IsServerError returns true if the error maps to a 5xx outcome.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBackendUnavail) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrNoHealthyInstance) ||
		errors.Is(err, ErrTimeout)
}
