// Package server implements the OAuth exchange coordinator: the state
// machine that turns an authorization code into stored tokens, and the
// business operations that spend those tokens downstream.
package server

import (
	"log/slog"

	"xerobridge/instrumentation"
	"xerobridge/providers"
	"xerobridge/security"
	"xerobridge/storage"
)

// MinAuthorizationCodeLength is the minimum plausible length of an upstream
// authorization code. Shorter values are rejected as garbage input.
const MinAuthorizationCodeLength = 20

// Config holds the coordinator configuration.
type Config struct {
	// ClientID is the OAuth client ID issued by the provider (required).
	ClientID string

	// ClientSecret is the OAuth client secret (required).
	ClientSecret string

	// RedirectURL is where the provider redirects after consent (required).
	RedirectURL string

	// DefaultTenantID is used for invoice creation when a stored record
	// carries no tenant (optional).
	DefaultTenantID string
}

// Server coordinates the authorization-code exchange and downstream calls.
// Construct once at startup and share across request handlers; all state
// lives in the injected store and tracker.
type Server struct {
	Config Config

	provider  providers.Provider
	tokens    storage.TokenStore
	usedCodes *UsedCodeTracker

	Auditor *security.Auditor
	Logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// New creates a new coordinator.
func New(cfg Config, provider providers.Provider, tokens storage.TokenStore, usedCodes *UsedCodeTracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Config:    cfg,
		provider:  provider,
		tokens:    tokens,
		usedCodes: usedCodes,
		Logger:    logger,
	}
}

// SetAuditor enables security audit logging.
func (s *Server) SetAuditor(a *security.Auditor) {
	s.Auditor = a
}

// SetInstrumentation attaches metric instruments.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// TokenStore exposes the underlying store for diagnostic handlers.
func (s *Server) TokenStore() storage.TokenStore {
	return s.tokens
}

// UsedCodes exposes the tracker, chiefly for tests.
func (s *Server) UsedCodes() *UsedCodeTracker {
	return s.usedCodes
}

// configured reports whether the credentials needed for the exchange path
// are present.
func (s *Server) configured() bool {
	return s.Config.ClientID != "" && s.Config.ClientSecret != "" && s.Config.RedirectURL != ""
}
