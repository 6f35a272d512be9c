package httpapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xerobridge/httpapi"
	"xerobridge/internal/testutil"
	"xerobridge/providers/mock"
	"xerobridge/server"
	"xerobridge/storage/memory"
)

func newGateHandler(t *testing.T) *httpapi.Handler {
	t.Helper()

	tracker := server.NewUsedCodeTracker(time.Hour, testutil.DiscardLogger())
	t.Cleanup(tracker.Stop)
	srv := server.New(server.Config{}, &mock.Provider{}, memory.New(), tracker, testutil.DiscardLogger())
	return httpapi.NewHandler(srv, httpapi.Config{}, testutil.DiscardLogger())
}

// gateProbe runs one request through RequireAuth and reports the captured
// identity (nil when the gate rejected the request).
func gateProbe(t *testing.T, h *httpapi.Handler, authorization string) (*httptest.ResponseRecorder, *httpapi.Identity) {
	t.Helper()

	var identity *httpapi.Identity
	gate := h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = httpapi.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/invoices", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	gate.ServeHTTP(rr, req)
	return rr, identity
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body["error"]
}

func validClaims(overrides map[string]any) map[string]any {
	claims := map[string]any{
		"iss":   "https://identity.xero.com",
		"aud":   "client-id",
		"email": "user@example.com",
		"sub":   "auth0|sub-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
		} else {
			claims[k] = v
		}
	}
	return claims
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	h := newGateHandler(t)

	token := testutil.UnsignedJWT(validClaims(map[string]any{"xero_userid": "xero-uid-1"}))
	rr, identity := gateProbe(t, h, "Bearer "+token)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "user@example.com", identity.UserID)
	assert.Equal(t, "user@example.com", identity.Email)
	assert.Equal(t, "auth0|sub-1", identity.Sub)
	assert.Equal(t, "xero-uid-1", identity.ID)
}

func TestRequireAuthMissingHeader(t *testing.T) {
	h := newGateHandler(t)

	rr, identity := gateProbe(t, h, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, server.ErrorCodeInvalidTokenFormat, errorCode(t, rr))
	assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))
	assert.Nil(t, identity)
}

func TestRequireAuthWrongScheme(t *testing.T) {
	h := newGateHandler(t)

	rr, _ := gateProbe(t, h, "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, server.ErrorCodeInvalidTokenFormat, errorCode(t, rr))
}

func TestRequireAuthUndecodableToken(t *testing.T) {
	h := newGateHandler(t)

	rr, _ := gateProbe(t, h, "Bearer not.a.jwt")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, server.ErrorCodeInvalidTokenFormat, errorCode(t, rr))
}

func TestRequireAuthMissingIssuerOrAudience(t *testing.T) {
	h := newGateHandler(t)

	for name, overrides := range map[string]map[string]any{
		"no issuer":   {"iss": nil},
		"no audience": {"aud": nil},
	} {
		t.Run(name, func(t *testing.T) {
			token := testutil.UnsignedJWT(validClaims(overrides))
			rr, _ := gateProbe(t, h, "Bearer "+token)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, server.ErrorCodeInvalidTokenFormat, errorCode(t, rr))
		})
	}
}

func TestRequireAuthAudienceArray(t *testing.T) {
	h := newGateHandler(t)

	token := testutil.UnsignedJWT(validClaims(map[string]any{"aud": []string{"client-id", "other"}}))
	rr, _ := gateProbe(t, h, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequireAuthExpiredToken(t *testing.T) {
	h := newGateHandler(t)

	// One second past expiry is already rejected.
	token := testutil.UnsignedJWT(validClaims(map[string]any{"exp": time.Now().Add(-time.Second).Unix()}))
	rr, _ := gateProbe(t, h, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, server.ErrorCodeTokenExpired, errorCode(t, rr))
}

func TestRequireAuthNoExpClaimAccepted(t *testing.T) {
	h := newGateHandler(t)

	token := testutil.UnsignedJWT(validClaims(map[string]any{"exp": nil}))
	rr, _ := gateProbe(t, h, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequireAuthMissingIdentifier(t *testing.T) {
	h := newGateHandler(t)

	token := testutil.UnsignedJWT(validClaims(map[string]any{"email": nil, "sub": nil}))
	rr, _ := gateProbe(t, h, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, server.ErrorCodeMissingUserIdentifier, errorCode(t, rr))
}

func TestRequireAuthIdentifierPreference(t *testing.T) {
	h := newGateHandler(t)

	cases := []struct {
		name      string
		overrides map[string]any
		wantUser  string
	}{
		{"email wins", nil, "user@example.com"},
		{"sub when no email", map[string]any{"email": nil}, "auth0|sub-1"},
		{"xero id as last resort", map[string]any{"email": nil, "sub": nil, "xero_userid": "xero-uid-1"}, "xero-uid-1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token := testutil.UnsignedJWT(validClaims(tc.overrides))
			rr, identity := gateProbe(t, h, "Bearer "+token)
			require.Equal(t, http.StatusOK, rr.Code)
			require.NotNil(t, identity)
			assert.Equal(t, tc.wantUser, identity.UserID)
		})
	}
}

func TestRequireAuthDefaultsIdentityTriple(t *testing.T) {
	h := newGateHandler(t)

	// Only sub present: email and xero id default to the derived identifier
	// so downstream token lookups always have keys to try.
	token := testutil.UnsignedJWT(validClaims(map[string]any{"email": nil}))
	rr, identity := gateProbe(t, h, "Bearer "+token)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "auth0|sub-1", identity.Email)
	assert.Equal(t, "auth0|sub-1", identity.Sub)
	assert.Equal(t, "auth0|sub-1", identity.ID)
	assert.Equal(t, []string{"auth0|sub-1"}, identity.Keys())
}

func TestIdentityKeysDeduplicate(t *testing.T) {
	id := &httpapi.Identity{Email: "user@example.com", Sub: "auth0|sub-1", ID: "user@example.com"}
	assert.Equal(t, []string{"user@example.com", "auth0|sub-1"}, id.Keys())
}
