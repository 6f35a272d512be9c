package security

// Event type constants for security audit logging.
const (
	// EventExchangeSucceeded is logged when an authorization code is
	// successfully exchanged for tokens.
	EventExchangeSucceeded = "code_exchange_succeeded"

	// EventExchangeFailed is logged when a code exchange is rejected,
	// either locally or by the upstream identity provider.
	EventExchangeFailed = "code_exchange_failed"

	// EventCodeReplayBlocked is logged when an already-used authorization
	// code is submitted again.
	EventCodeReplayBlocked = "authorization_code_replay_blocked"

	// EventTokensInjected is logged when tokens are stored manually
	// through the operator endpoint.
	EventTokensInjected = "tokens_injected"

	// EventTokensCleared is logged when a user's tokens are explicitly deleted.
	EventTokensCleared = "tokens_cleared"

	// EventAuthFailure is logged when a bearer token fails the request gate.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvoiceCreated is logged when an invoice is created downstream.
	EventInvoiceCreated = "invoice_created"
)
