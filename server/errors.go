package server

import (
	"fmt"
	"net/http"
)

// Error codes returned in the "error" field of failure responses.
// Local rejections use bridge-specific codes; upstream rejections reuse the
// RFC 6749 codes the provider answered with.
const (
	ErrorCodeMissingCode           = "missing_code"
	ErrorCodeMalformedCode         = "malformed_code"
	ErrorCodeCodeAlreadyUsed       = "code_already_used"
	ErrorCodeServerMisconfigured   = "server_misconfigured"
	ErrorCodeUpstreamUnreachable   = "upstream_unreachable"
	ErrorCodeServerError           = "server_error"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeInvalidTokenFormat    = "invalid_token_format"
	ErrorCodeTokenExpired          = "token_expired"
	ErrorCodeMissingUserIdentifier = "missing_user_identifier"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
)

// BridgeError is a user-facing error with an HTTP status. It is the only
// error type that crosses the coordinator boundary; upstream and internal
// failures are translated into it, with full detail logged but not returned.
type BridgeError struct {
	Code        string // taxonomy code (e.g. "code_already_used")
	Description string // human-readable description with remediation hint
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewBridgeError creates a new bridge error
func NewBridgeError(code, description string, status int) *BridgeError {
	return &BridgeError{Code: code, Description: description, Status: status}
}

// Common errors as reusable constructors
var (
	// ErrMissingCode indicates the callback carried no authorization code
	ErrMissingCode = func(desc string) *BridgeError {
		return NewBridgeError(ErrorCodeMissingCode, desc, http.StatusBadRequest)
	}

	// ErrMalformedCode indicates an obviously-garbage authorization code
	ErrMalformedCode = func(desc string) *BridgeError {
		return NewBridgeError(ErrorCodeMalformedCode, desc, http.StatusBadRequest)
	}

	// ErrCodeAlreadyUsed indicates a replayed authorization code
	ErrCodeAlreadyUsed = func(desc string) *BridgeError {
		return NewBridgeError(ErrorCodeCodeAlreadyUsed, desc, http.StatusBadRequest)
	}

	// ErrServerMisconfigured indicates missing credentials or URLs.
	// Operator-actionable, not client-actionable.
	ErrServerMisconfigured = func(desc string) *BridgeError {
		return NewBridgeError(ErrorCodeServerMisconfigured, desc, http.StatusInternalServerError)
	}

	// ErrUpstreamUnreachable indicates a network-level failure with no
	// HTTP response from the provider
	ErrUpstreamUnreachable = func(desc string) *BridgeError {
		return NewBridgeError(ErrorCodeUpstreamUnreachable, desc, http.StatusServiceUnavailable)
	}

	// ErrServerError indicates an unexpected internal failure
	ErrServerError = func(desc string) *BridgeError {
		return NewBridgeError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrInvalidToken indicates no valid stored tokens for the caller
	ErrInvalidToken = func(desc string) *BridgeError {
		return NewBridgeError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}
)
