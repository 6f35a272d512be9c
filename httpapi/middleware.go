package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"xerobridge/server"
)

// Identity is the authenticated caller derived by the request gate.
// Email, ID, and Sub each default to the derived identifier when the
// corresponding claim is absent, so downstream lookups always have keys.
type Identity struct {
	UserID string
	Email  string
	ID     string
	Sub    string
	Claims jwt.MapClaims
}

// Keys returns the identity's lookup keys in preference order, deduplicated.
func (id *Identity) Keys() []string {
	keys := make([]string, 0, 3)
	seen := make(map[string]bool, 3)
	for _, k := range []string{id.Email, id.Sub, id.ID} {
		if k != "" && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	return keys
}

// identityContextKey is the context key for the authenticated identity.
type identityContextKey struct{}

// IdentityFromContext retrieves the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}

// RequireAuth is the authenticated-request gate. It decodes the bearer
// token structurally and validates shape and expiry only. There is no
// signature verification: the trust boundary is the upstream issuer over
// TLS, and the decoded identity is used purely to select stored tokens.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			h.rejectAuth(w, r, server.ErrorCodeInvalidTokenFormat, "bearer token is required")
			return
		}

		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(parts[1], claims); err != nil {
			h.rejectAuth(w, r, server.ErrorCodeInvalidTokenFormat, "bearer token is not a decodable JWT")
			return
		}

		iss, _ := claims["iss"].(string)
		aud := audienceClaim(claims)
		if iss == "" || aud == "" {
			h.rejectAuth(w, r, server.ErrorCodeInvalidTokenFormat, "token is missing issuer or audience")
			return
		}

		// Expiry is enforced strictly: a token one second past exp is
		// already rejected.
		if exp, ok := numericClaim(claims, "exp"); ok {
			if time.Now().Unix() >= exp {
				h.rejectAuth(w, r, server.ErrorCodeTokenExpired, "token has expired")
				return
			}
		}

		str := func(key string) string {
			v, _ := claims[key].(string)
			return v
		}
		userID := str("email")
		if userID == "" {
			userID = str("sub")
		}
		if userID == "" {
			userID = str("xero_userid")
		}
		if userID == "" {
			h.rejectAuth(w, r, server.ErrorCodeMissingUserIdentifier, "token carries no usable user identifier")
			return
		}

		identity := &Identity{
			UserID: userID,
			Email:  orDefault(str("email"), userID),
			ID:     orDefault(str("xero_userid"), userID),
			Sub:    orDefault(str("sub"), userID),
			Claims: claims,
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) rejectAuth(w http.ResponseWriter, r *http.Request, code, description string) {
	h.auditor.LogAuthFailure("", clientIP(r), code)
	h.writeError(w, r, code, description, http.StatusUnauthorized)
}

// audienceClaim normalizes the aud claim, which may be a string or an array.
func audienceClaim(claims jwt.MapClaims) string {
	switch v := claims["aud"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// numericClaim extracts a numeric claim that JSON decoding may have left as
// float64 or json.Number-ish string.
func numericClaim(claims jwt.MapClaims, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// RateLimit enforces the per-IP limit before any flow work happens.
func (h *Handler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.rateLimiter != nil && !h.rateLimiter.Allow(clientIP(r)) {
			h.auditor.LogRateLimitExceeded(clientIP(r))
			h.writeError(w, r, server.ErrorCodeRateLimitExceeded, "rate limit exceeded, try again later", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the remote address without the port. Proxy headers are
// deliberately not trusted here; run behind a proxy that rewrites RemoteAddr.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
