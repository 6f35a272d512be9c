// Package providers defines the interface to the upstream accounting
// identity provider and its business API. The concrete implementation for
// Xero lives in the xero subpackage; a configurable mock for tests lives
// in the mock subpackage.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
)

// Provider is the upstream OAuth and accounting API surface the bridge
// depends on.
type Provider interface {
	// Name returns the provider name (e.g., "xero")
	Name() string

	// AuthorizationURL generates the URL to redirect users for consent
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens.
	// The id_token, when issued, is available via Token.Extra("id_token").
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// Connections lists the organisations the access token is connected to
	Connections(ctx context.Context, accessToken string) ([]Tenant, error)

	// CreateInvoice submits an invoice payload to the accounting API.
	// The payload is passed through opaquely; schema validation is the
	// upstream's job.
	CreateInvoice(ctx context.Context, accessToken, tenantID string, invoice json.RawMessage) (json.RawMessage, error)

	// HealthCheck verifies that the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// Tenant is one organisation connection returned by the provider.
type Tenant struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	TenantType string `json:"tenantType"`
	TenantName string `json:"tenantName"`
}

// UserInfo carries the identity claims decoded from an ID token.
type UserInfo struct {
	// ID is the provider-specific user identifier claim
	ID string

	// Email is the user's email address
	Email string

	// Sub is the OIDC subject identifier
	Sub string

	// GivenName is the user's first name
	GivenName string

	// FamilyName is the user's last name
	FamilyName string
}

// APIError is a non-2xx response from the provider's business API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error: status %d: %s", e.StatusCode, e.Body)
}
