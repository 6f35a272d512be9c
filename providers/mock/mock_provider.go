// Package mock provides a configurable fake provider for tests.
package mock

import (
	"context"
	"encoding/json"

	"golang.org/x/oauth2"

	"xerobridge/providers"
)

// Provider is a configurable mock implementation of providers.Provider.
// Each behavior can be overridden per test via the corresponding Func field;
// unset funcs return benign defaults.
type Provider struct {
	NameValue string

	AuthorizationURLFunc func(state string) string
	ExchangeCodeFunc     func(ctx context.Context, code string) (*oauth2.Token, error)
	ConnectionsFunc      func(ctx context.Context, accessToken string) ([]providers.Tenant, error)
	CreateInvoiceFunc    func(ctx context.Context, accessToken, tenantID string, invoice json.RawMessage) (json.RawMessage, error)
	HealthCheckFunc      func(ctx context.Context) error

	// Call counters for assertions.
	ExchangeCalls    int
	ConnectionsCalls int
	InvoiceCalls     int
}

var _ providers.Provider = (*Provider)(nil)

func (m *Provider) Name() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock"
}

func (m *Provider) AuthorizationURL(state string) string {
	if m.AuthorizationURLFunc != nil {
		return m.AuthorizationURLFunc(state)
	}
	return "https://mock.example.com/authorize?state=" + state
}

func (m *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	m.ExchangeCalls++
	if m.ExchangeCodeFunc != nil {
		return m.ExchangeCodeFunc(ctx, code)
	}
	return &oauth2.Token{AccessToken: "mock-access-token", TokenType: "Bearer"}, nil
}

func (m *Provider) Connections(ctx context.Context, accessToken string) ([]providers.Tenant, error) {
	m.ConnectionsCalls++
	if m.ConnectionsFunc != nil {
		return m.ConnectionsFunc(ctx, accessToken)
	}
	return nil, nil
}

func (m *Provider) CreateInvoice(ctx context.Context, accessToken, tenantID string, invoice json.RawMessage) (json.RawMessage, error) {
	m.InvoiceCalls++
	if m.CreateInvoiceFunc != nil {
		return m.CreateInvoiceFunc(ctx, accessToken, tenantID, invoice)
	}
	return json.RawMessage(`{}`), nil
}

func (m *Provider) HealthCheck(ctx context.Context) error {
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx)
	}
	return nil
}
