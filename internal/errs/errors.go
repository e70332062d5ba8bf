// Package errs defines the typed error taxonomy shared across the
// coordination core. Every variant carries enough context to decide
// whether a retry makes sense without string-matching messages.
package errs

import (
	"fmt"
	"time"
)

// NetworkError covers connection, DNS and transport failures.
type NetworkError struct {
	Message   string
	Cause     error
	Retryable bool
}

// NewNetworkError wraps a transport failure. Network errors are retryable
// unless the caller says otherwise.
func NewNetworkError(message string, cause error) *NetworkError {
	return &NetworkError{Message: message, Cause: cause, Retryable: true}
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("network error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("network error: %s", e.Message)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// ApiError is a non-2xx HTTP response from the upstream.
type ApiError struct {
	Message string
	Status  int
	Headers map[string]string
	Code    string // upstream error code, drives rate-limit reason parsing
	Cause   error
}

func NewApiError(message string, status int) *ApiError {
	return &ApiError{Message: message, Status: status}
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

func (e *ApiError) Unwrap() error { return e.Cause }

// Retryable reports whether the status class is worth retrying.
func (e *ApiError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// AuthError is a credential or refresh failure for a specific account.
type AuthError struct {
	Message   string
	AccountID string
	Retryable bool
	Cause     error
}

func (e *AuthError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("auth error for account %s: %s", e.AccountID, e.Message)
	}
	return fmt.Sprintf("auth error: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// ValidationError reports bad input before it reaches any collaborator.
type ValidationError struct {
	Message  string
	Field    string
	Expected string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s (field %q, expected %s)", e.Message, e.Field, e.Expected)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// RateLimitError is a 429-class upstream refusal.
type RateLimitError struct {
	Message      string
	RetryAfterMs int64
	AccountID    string
	Code         string
	Cause        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterMs > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %dms)", e.Message, e.RetryAfterMs)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

func (e *RateLimitError) Unwrap() error { return e.Cause }

// TimeoutError marks a deadline exceeded on an outbound call.
type TimeoutError struct {
	Message string
	Elapsed time.Duration
	Cause   error
}

func (e *TimeoutError) Error() string {
	if e.Elapsed > 0 {
		return fmt.Sprintf("timeout after %s: %s", e.Elapsed, e.Message)
	}
	return fmt.Sprintf("timeout: %s", e.Message)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// CircuitOpenError means the breaker refused the call outright.
type CircuitOpenError struct {
	Message string
	Target  string
}

func (e *CircuitOpenError) Error() string { return e.Message }

// AuthRateLimitError means too many login attempts for one account key.
type AuthRateLimitError struct {
	Key               string
	AttemptsRemaining int
	ResetAfterMs      int64
}

func (e *AuthRateLimitError) Error() string {
	return fmt.Sprintf("too many authentication attempts for %q; try again in %.0fs",
		e.Key, float64(e.ResetAfterMs)/1000)
}
