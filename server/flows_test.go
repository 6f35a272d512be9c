package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"xerobridge/internal/testutil"
	"xerobridge/providers"
	"xerobridge/providers/mock"
	"xerobridge/server"
	"xerobridge/storage"
	"xerobridge/storage/memory"
)

const testCode = "M2Y5ZDk3NzItYuthCodeLongEnough"

var testConfig = server.Config{
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	RedirectURL:  "https://bridge.example.com/callback",
}

type fixture struct {
	srv      *server.Server
	provider *mock.Provider
	store    *memory.Store
	tracker  *server.UsedCodeTracker
}

func newFixture(t *testing.T, cfg server.Config) *fixture {
	t.Helper()

	provider := &mock.Provider{}
	store := memory.New()
	tracker := server.NewUsedCodeTracker(time.Hour, testutil.DiscardLogger())
	t.Cleanup(tracker.Stop)

	srv := server.New(cfg, provider, store, tracker, testutil.DiscardLogger())
	return &fixture{srv: srv, provider: provider, store: store, tracker: tracker}
}

// exchangeToken builds the token the mock provider hands back on a
// successful exchange, with an ID token carrying the given claims.
func exchangeToken(claims map[string]any) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  "xero-access-token",
		RefreshToken: "xero-refresh-token",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(30 * time.Minute),
	}
	if claims == nil {
		return tok
	}
	return tok.WithExtra(map[string]any{"id_token": testutil.UnsignedJWT(claims)})
}

func TestAuthorizationURL(t *testing.T) {
	f := newFixture(t, testConfig)

	url, bridgeErr := f.srv.AuthorizationURL("some-state-value-long-enough")
	require.Nil(t, bridgeErr)
	assert.Contains(t, url, "state=some-state-value-long-enough")
}

func TestAuthorizationURLRequiresState(t *testing.T) {
	f := newFixture(t, testConfig)

	_, bridgeErr := f.srv.AuthorizationURL("")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeInvalidRequest, bridgeErr.Code)
}

func TestAuthorizationURLUnconfigured(t *testing.T) {
	f := newFixture(t, server.Config{})

	_, bridgeErr := f.srv.AuthorizationURL("some-state-value-long-enough")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeServerMisconfigured, bridgeErr.Code)
	assert.Equal(t, http.StatusInternalServerError, bridgeErr.Status)
}

func TestHandleCallbackSuccess(t *testing.T) {
	f := newFixture(t, testConfig)
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		assert.Equal(t, testCode, code)
		return exchangeToken(map[string]any{
			"email":       "user@example.com",
			"sub":         "auth0|sub-1",
			"given_name":  "Ada",
			"family_name": "Lovelace",
			"xero_userid": "xero-uid-1",
		}), nil
	}
	f.provider.ConnectionsFunc = func(ctx context.Context, accessToken string) ([]providers.Tenant, error) {
		assert.Equal(t, "xero-access-token", accessToken)
		return []providers.Tenant{{TenantID: "tenant-1", TenantName: "Demo Company"}}, nil
	}

	result, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.Nil(t, bridgeErr)

	assert.Equal(t, "xero-access-token", result.AccessToken)
	assert.Equal(t, "xero-refresh-token", result.RefreshToken)
	assert.Equal(t, "Bearer", result.TokenType)
	assert.NotEmpty(t, result.IDToken)
	assert.Greater(t, result.ExpiresIn, int64(0))
	assert.Equal(t, "user@example.com", result.UserID)
	require.NotNil(t, result.UserInfo)
	assert.Equal(t, "user@example.com", result.UserInfo.Email)
	assert.Equal(t, "Ada", result.UserInfo.GivenName)
	require.Len(t, result.Tenants, 1)
	assert.Equal(t, "tenant-1", result.Tenants[0].TenantID)

	// Tokens are stored under the canonical email, with the other
	// identifiers as aliases onto the same record.
	for _, key := range []string{"user@example.com", "auth0|sub-1", "xero-uid-1"} {
		rec, err := f.store.Get(context.Background(), key)
		require.NoError(t, err, "lookup by %q", key)
		assert.Equal(t, "xero-access-token", rec.AccessToken)
		assert.Equal(t, "tenant-1", rec.TenantID)
	}

	// The code is burned after a successful exchange.
	assert.True(t, f.tracker.HasBeenUsed(testCode))
}

func TestHandleCallbackMissingCode(t *testing.T) {
	f := newFixture(t, testConfig)

	_, bridgeErr := f.srv.HandleCallback(context.Background(), "", "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeMissingCode, bridgeErr.Code)
	assert.Equal(t, http.StatusBadRequest, bridgeErr.Status)
	assert.Equal(t, 0, f.provider.ExchangeCalls)
}

func TestHandleCallbackReplayRejected(t *testing.T) {
	f := newFixture(t, testConfig)
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return exchangeToken(map[string]any{"email": "user@example.com"}), nil
	}

	_, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.Nil(t, bridgeErr)

	_, bridgeErr = f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeCodeAlreadyUsed, bridgeErr.Code)
	assert.Equal(t, http.StatusBadRequest, bridgeErr.Status)

	// The replay was rejected before reaching the provider again.
	assert.Equal(t, 1, f.provider.ExchangeCalls)
}

func TestHandleCallbackMalformedCode(t *testing.T) {
	f := newFixture(t, testConfig)

	_, bridgeErr := f.srv.HandleCallback(context.Background(), "short", "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeMalformedCode, bridgeErr.Code)
	assert.Equal(t, http.StatusBadRequest, bridgeErr.Status)
	assert.Equal(t, 0, f.provider.ExchangeCalls)

	// Garbage input is not retryable: the code stays marked.
	assert.True(t, f.tracker.HasBeenUsed("short"))
}

func TestHandleCallbackUnconfigured(t *testing.T) {
	f := newFixture(t, server.Config{})

	_, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeServerMisconfigured, bridgeErr.Code)
	assert.Equal(t, http.StatusInternalServerError, bridgeErr.Status)
	assert.Equal(t, 0, f.provider.ExchangeCalls)
}

func TestHandleCallbackInvalidGrantBurnsCode(t *testing.T) {
	f := newFixture(t, testConfig)
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	_, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeInvalidGrant, bridgeErr.Code)
	assert.Equal(t, http.StatusBadRequest, bridgeErr.Status)

	// The grant is consumed upstream; resubmitting locally must still fail
	// as a replay rather than hitting the provider again.
	assert.True(t, f.tracker.HasBeenUsed(testCode))
}

func TestHandleCallbackUpstreamUnreachableUnmarksCode(t *testing.T) {
	f := newFixture(t, testConfig)
	exchangeErr := errors.New("dial tcp: connection refused")
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return nil, exchangeErr
	}

	_, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeUpstreamUnreachable, bridgeErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, bridgeErr.Status)
	assert.False(t, f.tracker.HasBeenUsed(testCode))

	// The code is still alive: a retry after the outage succeeds.
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return exchangeToken(map[string]any{"email": "user@example.com"}), nil
	}
	result, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Equal(t, "user@example.com", result.UserID)
}

func TestHandleCallbackUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		upstream   string
		wantCode   string
		wantStatus int
		unmarked   bool
	}{
		{"invalid_client", server.ErrorCodeInvalidClient, http.StatusUnauthorized, true},
		{"unauthorized_client", server.ErrorCodeUnauthorizedClient, http.StatusBadRequest, true},
		{"invalid_request", server.ErrorCodeInvalidRequest, http.StatusBadRequest, true},
		{"temporarily_unavailable", server.ErrorCodeServerError, http.StatusInternalServerError, true},
	}

	for _, tc := range cases {
		t.Run(tc.upstream, func(t *testing.T) {
			f := newFixture(t, testConfig)
			f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
				return nil, &oauth2.RetrieveError{
					Response:  &http.Response{StatusCode: tc.wantStatus},
					ErrorCode: tc.upstream,
				}
			}

			_, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
			require.NotNil(t, bridgeErr)
			assert.Equal(t, tc.wantCode, bridgeErr.Code)
			assert.Equal(t, tc.wantStatus, bridgeErr.Status)
			assert.Equal(t, tc.unmarked, !f.tracker.HasBeenUsed(testCode))
		})
	}
}

func TestHandleCallbackIdentityDecodeFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, testConfig)
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		tok := &oauth2.Token{AccessToken: "at", TokenType: "Bearer"}
		return tok.WithExtra(map[string]any{"id_token": "not-a-decodable-jwt"}), nil
	}

	result, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Nil(t, result.UserInfo)
	assert.Empty(t, result.UserID)

	// Nothing was persisted without an identifier.
	summaries, err := f.store.Summaries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestHandleCallbackNoIDToken(t *testing.T) {
	f := newFixture(t, testConfig)
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return exchangeToken(nil), nil
	}

	result, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Empty(t, result.IDToken)
	assert.Nil(t, result.UserInfo)
	assert.Empty(t, result.UserID)
}

func TestHandleCallbackTenantDiscoveryFailureIsNonFatal(t *testing.T) {
	f := newFixture(t, testConfig)
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return exchangeToken(map[string]any{"email": "user@example.com"}), nil
	}
	f.provider.ConnectionsFunc = func(ctx context.Context, accessToken string) ([]providers.Tenant, error) {
		return nil, errors.New("connections endpoint down")
	}

	result, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Empty(t, result.Tenants)

	rec, err := f.store.Get(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.Empty(t, rec.TenantID)
}

func TestHandleCallbackCanonicalFallsBackToSub(t *testing.T) {
	f := newFixture(t, testConfig)
	f.provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return exchangeToken(map[string]any{"sub": "auth0|sub-only"}), nil
	}

	result, bridgeErr := f.srv.HandleCallback(context.Background(), testCode, "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Equal(t, "auth0|sub-only", result.UserID)

	_, err := f.store.Get(context.Background(), "auth0|sub-only")
	assert.NoError(t, err)
}

func TestStoreTokens(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	bridgeErr := f.srv.StoreTokens(ctx, server.StoreTokensParams{
		UserID:      "user@example.com",
		AccessToken: "injected-token",
		TenantID:    "tenant-1",
		ExpiresIn:   3600,
	})
	require.Nil(t, bridgeErr)

	rec, err := f.store.Get(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "injected-token", rec.AccessToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rec.ExpiresAt, 5*time.Second)
	assert.True(t, f.srv.HasValidTokens(ctx, "user@example.com"))
}

func TestStoreTokensDefaultLifetime(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	bridgeErr := f.srv.StoreTokens(ctx, server.StoreTokensParams{
		UserID:      "u1",
		AccessToken: "at",
	})
	require.Nil(t, bridgeErr)

	rec, err := f.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), rec.ExpiresAt, 5*time.Second)
}

func TestStoreTokensValidation(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	bridgeErr := f.srv.StoreTokens(ctx, server.StoreTokensParams{AccessToken: "at"})
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeInvalidRequest, bridgeErr.Code)

	bridgeErr = f.srv.StoreTokens(ctx, server.StoreTokensParams{UserID: "u1"})
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeInvalidRequest, bridgeErr.Code)
}

func TestHasValidTokensExpiry(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, f.store.Save(ctx, "u1", &storage.TokenRecord{
		AccessToken: "at",
		StoredAt:    now.Add(-time.Hour),
		ExpiresAt:   now.Add(-time.Second),
	}))

	assert.False(t, f.srv.HasValidTokens(ctx, "u1"))
}

func TestClearTokens(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	require.Nil(t, f.srv.StoreTokens(ctx, server.StoreTokensParams{UserID: "u1", AccessToken: "at"}))
	require.True(t, f.srv.HasValidTokens(ctx, "u1"))

	bridgeErr := f.srv.ClearTokens(ctx, "u1", "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.False(t, f.srv.HasValidTokens(ctx, "u1"))
}

func TestCreateInvoice(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	require.Nil(t, f.srv.StoreTokens(ctx, server.StoreTokensParams{
		UserID:      "user@example.com",
		AccessToken: "stored-token",
		TenantID:    "tenant-1",
	}))

	var gotToken, gotTenant string
	f.provider.CreateInvoiceFunc = func(ctx context.Context, accessToken, tenantID string, invoice json.RawMessage) (json.RawMessage, error) {
		gotToken, gotTenant = accessToken, tenantID
		return json.RawMessage(`{"Invoices":[{"InvoiceID":"inv-1"}]}`), nil
	}

	resp, bridgeErr := f.srv.CreateInvoice(ctx, []string{"user@example.com"}, json.RawMessage(`{"Type":"ACCREC"}`), "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Equal(t, "stored-token", gotToken)
	assert.Equal(t, "tenant-1", gotTenant)
	assert.JSONEq(t, `{"Invoices":[{"InvoiceID":"inv-1"}]}`, string(resp))
}

func TestCreateInvoiceFallsBackOverIdentityKeys(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	require.Nil(t, f.srv.StoreTokens(ctx, server.StoreTokensParams{
		UserID:      "auth0|sub-1",
		AccessToken: "stored-token",
		TenantID:    "tenant-1",
	}))

	// The caller's email has no record; the sub key does.
	_, bridgeErr := f.srv.CreateInvoice(ctx, []string{"user@example.com", "auth0|sub-1"}, json.RawMessage(`{}`), "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Equal(t, 1, f.provider.InvoiceCalls)
}

func TestCreateInvoiceNoTokens(t *testing.T) {
	f := newFixture(t, testConfig)

	_, bridgeErr := f.srv.CreateInvoice(context.Background(), []string{"nobody"}, json.RawMessage(`{}`), "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeInvalidToken, bridgeErr.Code)
	assert.Equal(t, http.StatusUnauthorized, bridgeErr.Status)
	assert.Equal(t, 0, f.provider.InvoiceCalls)
}

func TestCreateInvoiceDefaultTenant(t *testing.T) {
	cfg := testConfig
	cfg.DefaultTenantID = "default-tenant"
	f := newFixture(t, cfg)
	ctx := context.Background()

	require.Nil(t, f.srv.StoreTokens(ctx, server.StoreTokensParams{UserID: "u1", AccessToken: "at"}))

	var gotTenant string
	f.provider.CreateInvoiceFunc = func(ctx context.Context, accessToken, tenantID string, invoice json.RawMessage) (json.RawMessage, error) {
		gotTenant = tenantID
		return json.RawMessage(`{}`), nil
	}

	_, bridgeErr := f.srv.CreateInvoice(ctx, []string{"u1"}, json.RawMessage(`{}`), "203.0.113.9")
	require.Nil(t, bridgeErr)
	assert.Equal(t, "default-tenant", gotTenant)
}

func TestCreateInvoiceNoTenantAnywhere(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	require.Nil(t, f.srv.StoreTokens(ctx, server.StoreTokensParams{UserID: "u1", AccessToken: "at"}))

	_, bridgeErr := f.srv.CreateInvoice(ctx, []string{"u1"}, json.RawMessage(`{}`), "203.0.113.9")
	require.NotNil(t, bridgeErr)
	assert.Equal(t, server.ErrorCodeInvalidRequest, bridgeErr.Code)
	assert.Equal(t, 0, f.provider.InvoiceCalls)
}

func TestCreateInvoiceUpstreamErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			"unauthorized",
			&providers.APIError{StatusCode: http.StatusUnauthorized, Body: "expired"},
			server.ErrorCodeInvalidToken, http.StatusUnauthorized,
		},
		{
			"forbidden",
			&providers.APIError{StatusCode: http.StatusForbidden, Body: "no scope"},
			server.ErrorCodeInvalidToken, http.StatusUnauthorized,
		},
		{
			"validation failure",
			&providers.APIError{StatusCode: http.StatusBadRequest, Body: "bad invoice"},
			server.ErrorCodeInvalidRequest, http.StatusBadRequest,
		},
		{
			"upstream outage",
			&providers.APIError{StatusCode: http.StatusBadGateway, Body: "gateway"},
			server.ErrorCodeUpstreamUnreachable, http.StatusServiceUnavailable,
		},
		{
			"network failure",
			errors.New("dial tcp: connection refused"),
			server.ErrorCodeUpstreamUnreachable, http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testConfig)
			ctx := context.Background()

			require.Nil(t, f.srv.StoreTokens(ctx, server.StoreTokensParams{
				UserID: "u1", AccessToken: "at", TenantID: "tenant-1",
			}))
			f.provider.CreateInvoiceFunc = func(ctx context.Context, accessToken, tenantID string, invoice json.RawMessage) (json.RawMessage, error) {
				return nil, tc.err
			}

			_, bridgeErr := f.srv.CreateInvoice(ctx, []string{"u1"}, json.RawMessage(`{}`), "203.0.113.9")
			require.NotNil(t, bridgeErr)
			assert.Equal(t, tc.wantCode, bridgeErr.Code)
			assert.Equal(t, tc.wantStatus, bridgeErr.Status)
		})
	}
}
