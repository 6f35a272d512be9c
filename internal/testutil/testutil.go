// Package testutil provides shared helpers for tests.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"xerobridge/storage"
)

// DiscardLogger returns a logger that swallows all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTokenRecord returns a valid record with the given lifetime.
func NewTokenRecord(lifetime time.Duration) *storage.TokenRecord {
	now := time.Now()
	return &storage.TokenRecord{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		TenantID:     "test-tenant-id",
		StoredAt:     now,
		ExpiresAt:    now.Add(lifetime),
	}
}

// UnsignedJWT builds a structurally valid JWT with the given claims and a
// garbage signature. The bridge decodes tokens without verifying, so this
// is enough to exercise the gate and identity extraction.
func UnsignedJWT(claims map[string]any) string {
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	payload, _ := json.Marshal(claims)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "." + enc.EncodeToString([]byte("sig"))
}
