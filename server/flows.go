package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"xerobridge/providers"
	"xerobridge/storage"
)

// defaultInjectedLifetime is assumed for manually injected tokens when the
// caller omits expiresIn. Matches the provider's standard access token TTL.
const defaultInjectedLifetime = 30 * time.Minute

// CallbackResult is the full outcome of a successful code exchange. This is
// the only place raw tokens leave the coordinator; callers own their secure
// handling from here on.
type CallbackResult struct {
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken,omitempty"`
	IDToken      string             `json:"idToken,omitempty"`
	ExpiresIn    int64              `json:"expiresIn"`
	TokenType    string             `json:"tokenType"`
	UserInfo     *UserIdentity      `json:"userInfo"`
	Tenants      []providers.Tenant `json:"tenants"`
	UserID       string             `json:"userId"`
	Timestamp    time.Time          `json:"timestamp"`
}

// UserIdentity is the JSON shape of the decoded ID-token identity.
type UserIdentity struct {
	Email      string `json:"email,omitempty"`
	Sub        string `json:"sub,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	UserID     string `json:"xeroUserId,omitempty"`
}

// AuthorizationURL builds the provider consent URL for the given state.
func (s *Server) AuthorizationURL(state string) (string, *BridgeError) {
	if !s.configured() {
		return "", ErrServerMisconfigured("OAuth client credentials or callback URL are not configured")
	}
	if state == "" {
		return "", NewBridgeError(ErrorCodeInvalidRequest, "state parameter is required for CSRF protection", http.StatusBadRequest)
	}
	return s.provider.AuthorizationURL(state), nil
}

// HandleCallback runs the exchange state machine for one callback request:
// dedup, format and configuration checks, upstream exchange, identity
// decoding, tenant discovery, persistence.
//
// Ordering is deliberate: the code is marked used before any network call so
// a concurrent duplicate submission loses immediately, and it is unmarked
// again only for failures where the code is still alive upstream.
func (s *Server) HandleCallback(ctx context.Context, code, clientIP string) (*CallbackResult, *BridgeError) {
	start := time.Now()

	result, bridgeErr := s.handleCallback(ctx, code, clientIP)

	outcome := "success"
	if bridgeErr != nil {
		outcome = bridgeErr.Code
	}
	s.metrics.RecordExchange(ctx, outcome, time.Since(start).Seconds())

	return result, bridgeErr
}

func (s *Server) handleCallback(ctx context.Context, code, clientIP string) (*CallbackResult, *BridgeError) {
	// Step 1: received.
	if code == "" {
		return nil, ErrMissingCode("authorization code is required")
	}

	// Step 2: dedup-check, then mark used before any network call.
	if !s.usedCodes.CheckAndMark(code) {
		s.Logger.Warn("Rejected replayed authorization code", "ip", clientIP)
		s.Auditor.LogCodeReplayBlocked(clientIP)
		s.metrics.RecordReplayBlocked(ctx)
		return nil, ErrCodeAlreadyUsed("this authorization code has already been used; restart the authorization flow to obtain a fresh code")
	}

	// Step 3: format-check. The code stays marked: garbage input is not a
	// retryable condition.
	if len(code) < MinAuthorizationCodeLength {
		s.Auditor.LogExchangeFailed(clientIP, ErrorCodeMalformedCode)
		return nil, ErrMalformedCode("authorization code is too short to be valid")
	}

	// Step 4: configuration-check.
	if !s.configured() {
		s.Auditor.LogExchangeFailed(clientIP, ErrorCodeServerMisconfigured)
		return nil, ErrServerMisconfigured("OAuth client credentials or callback URL are not configured")
	}

	// Step 5: exchange.
	token, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		bridgeErr := s.translateExchangeError(code, err)
		s.Logger.Error("Token exchange failed",
			"error", err,
			"error_code", bridgeErr.Code,
			"ip", clientIP)
		s.Auditor.LogExchangeFailed(clientIP, bridgeErr.Code)
		return nil, bridgeErr
	}

	// Step 6: identity extraction. Failure here must not discard a
	// successful exchange.
	idToken, _ := token.Extra("id_token").(string)
	identity := s.decodeIdentity(idToken)

	// Step 7: tenant discovery. Non-fatal; invoice creation can fall back
	// to the configured default tenant.
	tenants, err := s.provider.Connections(ctx, token.AccessToken)
	if err != nil {
		s.Logger.Warn("Tenant discovery failed, continuing without tenant", "error", err)
		tenants = nil
	}
	tenantID := ""
	if len(tenants) > 0 {
		tenantID = tenants[0].TenantID
	}

	// Step 8: persist under the canonical identifier, with aliases for the
	// other identifiers so later lookups by either succeed.
	userID := s.persistTokens(ctx, token, identity, tenantID)

	s.Auditor.LogExchangeSucceeded(userID, clientIP, tenantID)
	s.Logger.Info("Authorization code exchanged",
		"has_refresh_token", token.RefreshToken != "",
		"has_id_token", idToken != "",
		"tenant_count", len(tenants))

	// Step 9: respond.
	var userInfo *UserIdentity
	if identity != nil {
		userInfo = &UserIdentity{
			Email:      identity.Email,
			Sub:        identity.Sub,
			GivenName:  identity.GivenName,
			FamilyName: identity.FamilyName,
			UserID:     identity.ID,
		}
	}

	return &CallbackResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		ExpiresIn:    expiresIn(token.Expiry),
		TokenType:    token.TokenType,
		UserInfo:     userInfo,
		Tenants:      tenants,
		UserID:       userID,
		Timestamp:    time.Now(),
	}, nil
}

// translateExchangeError maps an upstream exchange failure onto the error
// taxonomy and decides whether the code is still alive. Only invalid_grant
// means the grant is consumed upstream; every other failure unmarks the code
// so the client may retry before it truly expires.
func (s *Server) translateExchangeError(code string, err error) *BridgeError {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		// Network-level failure, no HTTP response.
		s.usedCodes.Unmark(code)
		return ErrUpstreamUnreachable("could not reach the identity provider; try again shortly")
	}

	switch retrieveErr.ErrorCode {
	case ErrorCodeInvalidGrant:
		// Genuinely dead: consumed, expired, or revoked upstream.
		return NewBridgeError(ErrorCodeInvalidGrant,
			"authorization code is invalid, expired, or already redeemed; restart the authorization flow",
			http.StatusBadRequest)
	case ErrorCodeInvalidClient:
		s.usedCodes.Unmark(code)
		return NewBridgeError(ErrorCodeInvalidClient,
			"client authentication with the identity provider failed; check client credentials",
			http.StatusUnauthorized)
	case ErrorCodeUnauthorizedClient:
		s.usedCodes.Unmark(code)
		return NewBridgeError(ErrorCodeUnauthorizedClient,
			"this client is not authorized for the authorization-code grant",
			http.StatusBadRequest)
	case ErrorCodeInvalidRequest:
		s.usedCodes.Unmark(code)
		return NewBridgeError(ErrorCodeInvalidRequest,
			"the identity provider rejected the token request as malformed",
			http.StatusBadRequest)
	default:
		s.usedCodes.Unmark(code)
		return ErrServerError("token exchange failed unexpectedly")
	}
}

// decodeIdentity decodes the ID token's payload segment without signature
// verification. Transport TLS and upstream issuance are the trust boundary
// here; the bridge never treats these claims as proof on their own.
func (s *Server) decodeIdentity(idToken string) *providers.UserInfo {
	if idToken == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		s.Logger.Warn("Failed to decode ID token payload", "error", err)
		return nil
	}

	str := func(key string) string {
		v, _ := claims[key].(string)
		return v
	}

	return &providers.UserInfo{
		Email:      str("email"),
		Sub:        str("sub"),
		GivenName:  str("given_name"),
		FamilyName: str("family_name"),
		ID:         str("xero_userid"),
	}
}

// persistTokens stores the record under the canonical identifier (email,
// else subject, else provider user id) and indexes the remaining
// identifiers as aliases. Returns the canonical identifier, or "" when no
// identifier could be derived and nothing was stored.
func (s *Server) persistTokens(ctx context.Context, token *oauth2.Token, identity *providers.UserInfo, tenantID string) string {
	canonical := ""
	if identity != nil {
		switch {
		case identity.Email != "":
			canonical = identity.Email
		case identity.Sub != "":
			canonical = identity.Sub
		case identity.ID != "":
			canonical = identity.ID
		}
	}
	if canonical == "" {
		s.Logger.Warn("No user identifier in ID token, tokens not persisted")
		return ""
	}

	now := time.Now()
	rec := &storage.TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TenantID:     tenantID,
		StoredAt:     now,
		ExpiresAt:    token.Expiry,
	}

	if err := s.tokens.Save(ctx, canonical, rec); err != nil {
		s.Logger.Error("Failed to persist token record", "error", err)
		return ""
	}

	for _, alias := range []string{identity.Sub, identity.ID} {
		if alias == "" || alias == canonical {
			continue
		}
		if err := s.tokens.SaveAlias(ctx, alias, canonical); err != nil {
			s.Logger.Warn("Failed to save identifier alias", "error", err)
		}
	}

	return canonical
}

// StoreTokensParams are the inputs to a manual token injection.
type StoreTokensParams struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds; zero selects the default lifetime
	TenantID     string
}

// StoreTokens injects a token record directly, bypassing the exchange.
// Chiefly for testing and operational recovery.
func (s *Server) StoreTokens(ctx context.Context, p StoreTokensParams) *BridgeError {
	if p.UserID == "" {
		return NewBridgeError(ErrorCodeInvalidRequest, "userId is required", http.StatusBadRequest)
	}
	if p.AccessToken == "" {
		return NewBridgeError(ErrorCodeInvalidRequest, "accessToken is required", http.StatusBadRequest)
	}

	lifetime := time.Duration(p.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultInjectedLifetime
	}

	now := time.Now()
	rec := &storage.TokenRecord{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TenantID:     p.TenantID,
		StoredAt:     now,
		ExpiresAt:    now.Add(lifetime),
	}

	if err := s.tokens.Save(ctx, p.UserID, rec); err != nil {
		s.Logger.Error("Failed to store injected tokens", "error", err)
		return ErrServerError("failed to store tokens")
	}
	return nil
}

// HasValidTokens reports whether the user holds an unexpired access token.
func (s *Server) HasValidTokens(ctx context.Context, userID string) bool {
	return storage.HasValid(ctx, s.tokens, userID)
}

// ClearTokens unconditionally deletes a user's record.
func (s *Server) ClearTokens(ctx context.Context, userID, clientIP string) *BridgeError {
	if err := s.tokens.Delete(ctx, userID); err != nil {
		s.Logger.Error("Failed to clear tokens", "error", err)
		return ErrServerError("failed to clear tokens")
	}
	s.Auditor.LogTokensCleared(userID, clientIP)
	return nil
}

// CreateInvoice looks up the caller's access token by any of the given
// identity keys, resolves the tenant, and submits the invoice downstream.
func (s *Server) CreateInvoice(ctx context.Context, identityKeys []string, invoice json.RawMessage, clientIP string) (json.RawMessage, *BridgeError) {
	var (
		rec    *storage.TokenRecord
		userID string
	)
	for _, key := range identityKeys {
		if key == "" {
			continue
		}
		if r, err := s.tokens.Get(ctx, key); err == nil {
			rec, userID = r, key
			break
		}
	}
	if rec == nil {
		s.metrics.RecordInvoice(ctx, ErrorCodeInvalidToken)
		return nil, ErrInvalidToken("no valid tokens for this user; complete the authorization flow first")
	}

	tenantID := rec.TenantID
	if tenantID == "" {
		tenantID = s.Config.DefaultTenantID
	}
	if tenantID == "" {
		s.metrics.RecordInvoice(ctx, ErrorCodeInvalidRequest)
		return nil, NewBridgeError(ErrorCodeInvalidRequest,
			"no tenant is connected for this user and no default tenant is configured",
			http.StatusBadRequest)
	}

	resp, err := s.provider.CreateInvoice(ctx, rec.AccessToken, tenantID, invoice)
	if err != nil {
		bridgeErr := translateAPIError(err)
		s.Logger.Error("Invoice creation failed", "error", err, "error_code", bridgeErr.Code)
		s.metrics.RecordInvoice(ctx, bridgeErr.Code)
		return nil, bridgeErr
	}

	s.Auditor.LogInvoiceCreated(userID, clientIP, tenantID)
	s.metrics.RecordInvoice(ctx, "success")
	return resp, nil
}

// translateAPIError maps a downstream API failure onto the taxonomy.
func translateAPIError(err error) *BridgeError {
	var apiErr *providers.APIError
	if !errors.As(err, &apiErr) {
		return ErrUpstreamUnreachable("could not reach the accounting API; try again shortly")
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return ErrInvalidToken("the accounting API rejected the access token; re-authorize")
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return NewBridgeError(ErrorCodeInvalidRequest,
			fmt.Sprintf("the accounting API rejected the request (status %d)", apiErr.StatusCode),
			apiErr.StatusCode)
	default:
		return ErrUpstreamUnreachable("the accounting API is unavailable; try again shortly")
	}
}

func expiresIn(expiry time.Time) int64 {
	if expiry.IsZero() {
		return 0
	}
	secs := int64(time.Until(expiry).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}
