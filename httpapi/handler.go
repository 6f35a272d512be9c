// Package httpapi is the HTTP transport for the bridge: routing, the
// authenticated-request gate, and translation of coordinator results into
// JSON responses.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"xerobridge/security"
	"xerobridge/server"
)

// maxBodyBytes caps request bodies. Invoice payloads are small documents.
const maxBodyBytes = 1 << 20

// Config holds handler configuration.
type Config struct {
	// FrontendURL is the browser application the GET callback leg
	// redirects to.
	FrontendURL string

	// PublicURL is the externally visible base URL, used for HSTS.
	PublicURL string

	// AdminTokenHash is the bcrypt hash of the operator token guarding
	// manual token injection. Empty disables the endpoint guard.
	AdminTokenHash []byte
}

// Handler is the HTTP layer over the exchange coordinator.
type Handler struct {
	server      *server.Server
	cfg         Config
	logger      *slog.Logger
	auditor     *security.Auditor
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new handler.
func NewHandler(srv *server.Server, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:  srv,
		cfg:     cfg,
		logger:  logger,
		auditor: srv.Auditor,
	}
}

// SetRateLimiter enables per-IP rate limiting on the flow endpoints.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// ServeAuth handles GET /auth: it generates a fresh state token and returns
// the provider consent URL.
func (h *Handler) ServeAuth(w http.ResponseWriter, r *http.Request) {
	state := security.GenerateState()

	authURL, bridgeErr := h.server.AuthorizationURL(state)
	if bridgeErr != nil {
		h.writeBridgeError(w, r, bridgeErr)
		return
	}

	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"authUrl": authURL,
		"state":   state,
	})
}

// callbackRequest is the JSON body of POST /callback.
type callbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// ServeCallback handles POST /callback: the API leg of the
// authorization-code flow.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, server.ErrorCodeInvalidRequest, "request body must be JSON with a code field", http.StatusBadRequest)
		return
	}

	result, bridgeErr := h.server.HandleCallback(r.Context(), req.Code, clientIP(r))
	if bridgeErr != nil {
		h.writeBridgeError(w, r, bridgeErr)
		return
	}

	h.writeJSON(w, r, http.StatusOK, result)
}

// ServeCallbackRedirect handles GET /callback: the browser leg. The
// provider redirects the user's browser here; we forward code, state, and
// any error on to the frontend, which then completes the POST leg.
func (h *Handler) ServeCallbackRedirect(w http.ResponseWriter, r *http.Request) {
	if h.cfg.FrontendURL == "" {
		h.writeError(w, r, server.ErrorCodeServerMisconfigured, "frontend URL is not configured", http.StatusInternalServerError)
		return
	}

	target, err := url.Parse(h.cfg.FrontendURL)
	if err != nil {
		h.writeError(w, r, server.ErrorCodeServerMisconfigured, "frontend URL is invalid", http.StatusInternalServerError)
		return
	}

	q := target.Query()
	for _, param := range []string{"code", "state", "error", "error_description"} {
		if v := r.URL.Query().Get(param); v != "" {
			q.Set(param, v)
		}
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// storeTokensRequest is the JSON body of POST /store-tokens.
type storeTokensRequest struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TenantID     string `json:"tenantId"`
}

// ServeStoreTokens handles POST /store-tokens: manual token injection,
// guarded by the operator token when one is configured.
func (h *Handler) ServeStoreTokens(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeOperator(r) {
		h.writeError(w, r, server.ErrorCodeInvalidToken, "operator token is missing or wrong", http.StatusUnauthorized)
		return
	}

	var req storeTokensRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, server.ErrorCodeInvalidRequest, "request body must be JSON", http.StatusBadRequest)
		return
	}

	if bridgeErr := h.server.StoreTokens(r.Context(), server.StoreTokensParams{
		UserID:       req.UserID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresIn:    req.ExpiresIn,
		TenantID:     req.TenantID,
	}); bridgeErr != nil {
		h.writeBridgeError(w, r, bridgeErr)
		return
	}

	h.auditor.LogTokensInjected(req.UserID, clientIP(r))
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"stored": true,
		"userId": req.UserID,
	})
}

// authorizeOperator checks the operator bearer token against the configured
// bcrypt hash. No hash configured means the guard is disabled.
func (h *Handler) authorizeOperator(r *http.Request) bool {
	if len(h.cfg.AdminTokenHash) == 0 {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) {
		return false
	}
	token := authHeader[len(prefix):]
	return bcrypt.CompareHashAndPassword(h.cfg.AdminTokenHash, []byte(token)) == nil
}

// ServeTokenStatus handles GET /tokens/status?userId=.
func (h *Handler) ServeTokenStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.writeError(w, r, server.ErrorCodeInvalidRequest, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"hasValidTokens": h.server.HasValidTokens(r.Context(), userID),
		"userId":         userID,
	})
}

// ServeTokenSummaries handles GET /tokens: redacted diagnostics.
func (h *Handler) ServeTokenSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.server.TokenStore().Summaries(r.Context())
	if err != nil {
		h.logger.Error("Failed to list token summaries", "error", err)
		h.writeError(w, r, server.ErrorCodeServerError, "failed to list tokens", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"tokens": summaries,
		"count":  len(summaries),
	})
}

// ServeClearTokens handles DELETE /tokens/{userId}.
func (h *Handler) ServeClearTokens(w http.ResponseWriter, r *http.Request, userID string) {
	if bridgeErr := h.server.ClearTokens(r.Context(), userID, clientIP(r)); bridgeErr != nil {
		h.writeBridgeError(w, r, bridgeErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeCreateInvoice handles POST /invoices for authenticated callers.
func (h *Handler) ServeCreateInvoice(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, r, server.ErrorCodeInvalidToken, "authentication required", http.StatusUnauthorized)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(payload) == 0 {
		h.writeError(w, r, server.ErrorCodeInvalidRequest, "invoice payload is required", http.StatusBadRequest)
		return
	}

	result, bridgeErr := h.server.CreateInvoice(r.Context(), identity.Keys(), payload, clientIP(r))
	if bridgeErr != nil {
		h.writeBridgeError(w, r, bridgeErr)
		return
	}

	h.writeJSON(w, r, http.StatusCreated, json.RawMessage(result))
}

// ServeHealthz handles GET /healthz.
func (h *Handler) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	security.SetSecurityHeaders(w, h.cfg.PublicURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeBridgeError(w http.ResponseWriter, r *http.Request, bridgeErr *server.BridgeError) {
	h.writeError(w, r, bridgeErr.Code, bridgeErr.Description, bridgeErr.Status)
}

// writeError writes the standard failure envelope. The requestId lets a
// client report a failure that operators can correlate with logs.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, code, description string, status int) {
	security.SetSecurityHeaders(w, h.cfg.PublicURL)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":     code,
		"details":   description,
		"requestId": security.GetRequestID(r.Context()),
	})
}
