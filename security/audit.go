package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// User identifiers are hashed before logging; raw tokens never appear.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogExchangeSucceeded logs a successful code exchange
func (a *Auditor) LogExchangeSucceeded(userID, ipAddress, tenantID string) {
	a.LogEvent(Event{
		Type:      EventExchangeSucceeded,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"has_tenant": tenantID != "",
		},
	})
}

// LogExchangeFailed logs a rejected code exchange
func (a *Auditor) LogExchangeFailed(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventExchangeFailed,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReplayBlocked logs a replayed authorization code
func (a *Auditor) LogCodeReplayBlocked(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeReplayBlocked,
		IPAddress: ipAddress,
	})
}

// LogTokensInjected logs a manual token store operation
func (a *Auditor) LogTokensInjected(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokensInjected,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogTokensCleared logs an explicit token deletion
func (a *Auditor) LogTokensCleared(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokensCleared,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs a bearer token rejection at the request gate
func (a *Auditor) LogAuthFailure(userID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// LogInvoiceCreated logs a downstream invoice creation
func (a *Auditor) LogInvoiceCreated(userID, ipAddress, tenantID string) {
	a.LogEvent(Event{
		Type:      EventInvoiceCreated,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"has_tenant": tenantID != "",
		},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
