// Package xero implements the providers.Provider interface for the Xero
// accounting API.
package xero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"xerobridge/providers"
)

// Default Xero endpoints. Overridable in Config for tests.
const (
	DefaultAuthURL        = "https://login.xero.com/identity/connect/authorize"
	DefaultTokenURL       = "https://identity.xero.com/connect/token"
	DefaultConnectionsURL = "https://api.xero.com/connections"
	DefaultAccountingURL  = "https://api.xero.com/api.xro/2.0"
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"openid", "profile", "email", "accounting.transactions", "offline_access"}

// exchangeTimeout bounds the token exchange and API calls. Requests fail
// visibly on timeout instead of hanging a callback request.
const exchangeTimeout = 15 * time.Second

// maxResponseBytes caps how much of an upstream response body is read.
const maxResponseBytes = 1 << 20

// Provider implements providers.Provider for Xero.
type Provider struct {
	config         *oauth2.Config
	connectionsURL string
	accountingURL  string
	httpClient     *http.Client
}

// Config holds Xero OAuth configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint overrides, used by tests. Empty values select the
	// production Xero endpoints.
	AuthURL        string
	TokenURL       string
	ConnectionsURL string
	AccountingURL  string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// New creates a new Xero provider
func New(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	connectionsURL := cfg.ConnectionsURL
	if connectionsURL == "" {
		connectionsURL = DefaultConnectionsURL
	}
	accountingURL := cfg.AccountingURL
	if accountingURL == "" {
		accountingURL = DefaultAccountingURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: exchangeTimeout}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
				// Xero expects HTTP Basic client authentication on the
				// token endpoint.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		connectionsURL: connectionsURL,
		accountingURL:  accountingURL,
		httpClient:     httpClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "xero"
}

// AuthorizationURL generates the Xero consent URL
func (p *Provider) AuthorizationURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens.
// Upstream rejections surface as *oauth2.RetrieveError so callers can
// distinguish invalid_grant from retryable failures.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// Connections lists the organisations connected to the access token
func (p *Provider) Connections(ctx context.Context, accessToken string) ([]providers.Tenant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.connectionsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build connections request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connections request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read connections response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &providers.APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tenants []providers.Tenant
	if err := json.Unmarshal(body, &tenants); err != nil {
		return nil, fmt.Errorf("failed to decode connections response: %w", err)
	}
	return tenants, nil
}

// CreateInvoice submits an invoice payload to the Xero accounting API.
// tenantID is sent as the Xero-Tenant-Id header; the payload is opaque.
func (p *Provider) CreateInvoice(ctx context.Context, accessToken, tenantID string, invoice json.RawMessage) (json.RawMessage, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.accountingURL+"/Invoices", bytes.NewReader(invoice))
	if err != nil {
		return nil, fmt.Errorf("failed to build invoice request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Xero-Tenant-Id", tenantID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoice request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read invoice response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &providers.APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return json.RawMessage(body), nil
}

// HealthCheck verifies the provider is reachable. Any HTTP response counts
// as healthy; only transport-level failures are reported.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.connectionsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	return nil
}
