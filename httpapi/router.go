package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"xerobridge/security"
)

// NewRouter wires all endpoints with the shared middleware chain.
// Flow endpoints sit behind the per-IP rate limiter; business endpoints sit
// behind the bearer gate.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(security.RequestIDMiddleware)
	r.Use(h.requestLogger)

	r.Group(func(r chi.Router) {
		r.Use(h.RateLimit)
		r.Get("/auth", h.ServeAuth)
		r.Post("/callback", h.ServeCallback)
		r.Get("/callback", h.ServeCallbackRedirect)
	})

	r.Post("/store-tokens", h.ServeStoreTokens)
	r.Get("/tokens/status", h.ServeTokenStatus)
	r.Get("/tokens", h.ServeTokenSummaries)
	r.Delete("/tokens/{userId}", func(w http.ResponseWriter, req *http.Request) {
		h.ServeClearTokens(w, req, chi.URLParam(req, "userId"))
	})

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/invoices", h.ServeCreateInvoice)
	})

	r.Get("/healthz", h.ServeHealthz)

	return r
}

// requestLogger logs one line per request with the correlation ID.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		h.logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", security.GetRequestID(r.Context()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
