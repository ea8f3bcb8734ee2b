package codex

import (
	"errors"
	"fmt"
	"net/http"
)

// FlowError represents a terminal failure of one login or token operation.
// None of these are retried internally; retry policy belongs to the caller.
type FlowError struct {
	// Type is the machine-readable failure class.
	Type string `json:"type"`
	// Message is a human-readable description of the failure.
	Message string `json:"message"`
	// Code is the HTTP status code associated with the failure, when any.
	Code int `json:"code"`
	// Body carries the provider response body for token endpoint failures.
	Body string `json:"-"`
	// Cause is the underlying error, when any.
	Cause error `json:"-"`
}

// Error returns a string representation of the flow error.
func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches flow errors by type so sentinel comparisons via errors.Is work
// for derived instances carrying status codes and bodies.
func (e *FlowError) Is(target error) bool {
	var other *FlowError
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// Login flow and token lifecycle error taxonomy.
var (
	// ErrAuthorizationDenied is returned when the provider redirects back
	// with an error parameter (the user declined, or the provider refused).
	ErrAuthorizationDenied = &FlowError{
		Type:    "authorization_denied",
		Message: "Authorization was denied by the provider",
		Code:    http.StatusForbidden,
	}

	// ErrMalformedCallback is returned when the redirect is missing the
	// code or state parameter.
	ErrMalformedCallback = &FlowError{
		Type:    "malformed_callback",
		Message: "Callback request is missing code or state",
		Code:    http.StatusBadRequest,
	}

	// ErrStateMismatch is returned when the callback state does not match
	// the expected value. This signals a possible CSRF attempt and must
	// always be surfaced, never swallowed.
	ErrStateMismatch = &FlowError{
		Type:    "state_mismatch",
		Message: "Callback state does not match the expected value",
		Code:    http.StatusBadRequest,
	}

	// ErrAuthorizationTimeout is returned when no callback arrives within
	// the listener's wait window.
	ErrAuthorizationTimeout = &FlowError{
		Type:    "authorization_timeout",
		Message: "Timed out waiting for the authorization callback",
		Code:    http.StatusRequestTimeout,
	}

	// ErrListenerBindFailed is returned when the local callback port is
	// already in use. Not retried.
	ErrListenerBindFailed = &FlowError{
		Type:    "listener_bind_failed",
		Message: "Failed to bind the local callback listener",
		Code:    http.StatusConflict,
	}

	// ErrTokenExchangeFailed is returned when the authorization-code
	// exchange yields a non-2xx response.
	ErrTokenExchangeFailed = &FlowError{
		Type:    "token_exchange_failed",
		Message: "Failed to exchange authorization code for tokens",
		Code:    http.StatusBadRequest,
	}

	// ErrTokenRefreshFailed is returned when a refresh-token exchange
	// yields a non-2xx response.
	ErrTokenRefreshFailed = &FlowError{
		Type:    "token_refresh_failed",
		Message: "Failed to refresh the access token",
		Code:    http.StatusBadRequest,
	}
)

// NewFlowError derives a new flow error from a base taxonomy entry with an
// underlying cause attached.
func NewFlowError(base *FlowError, cause error) *FlowError {
	return &FlowError{
		Type:    base.Type,
		Message: base.Message,
		Code:    base.Code,
		Cause:   cause,
	}
}

// newEndpointError derives a token endpoint failure carrying the provider's
// status code and response body.
func newEndpointError(base *FlowError, status int, body string) *FlowError {
	return &FlowError{
		Type:    base.Type,
		Message: base.Message,
		Code:    status,
		Body:    body,
	}
}

// IsFlowError checks if an error is a login or token flow error.
func IsFlowError(err error) bool {
	var flowError *FlowError
	return errors.As(err, &flowError)
}
