// Package storage defines the token persistence contract for the bridge.
// Records are keyed by a canonical user identifier; additional identifiers
// (email vs. OIDC subject) are mapped onto the canonical key through an
// alias index so the two never hold divergent copies of the same tokens.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no valid record exists for a user.
// A miss is a normal outcome, not an exceptional one; callers that need to
// distinguish "never stored" from "expired" have to rely on logs.
var ErrNotFound = errors.New("token record not found")

// TokenRecord holds the credentials obtained for one user.
// A record is valid only while now < ExpiresAt.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	TenantID     string
	StoredAt     time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the record is past its expiry at the given instant.
func (r *TokenRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TokenSummary is a redacted view of a stored record for diagnostics.
// It never carries raw token material.
type TokenSummary struct {
	UserID          string    `json:"userId"`
	HasAccessToken  bool      `json:"hasAccessToken"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
	HasTenant       bool      `json:"hasTenant"`
	StoredAt        time.Time `json:"storedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Expired         bool      `json:"expired"`
}

// TokenStore is the interface for persisting token records.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// Save inserts or fully replaces the record for a user. No merge.
	Save(ctx context.Context, userID string, rec *TokenRecord) error

	// SaveAlias maps an alternate identifier onto an existing canonical key.
	SaveAlias(ctx context.Context, alias, userID string) error

	// Get returns the record for a user, following one alias hop.
	// Expired records are lazily evicted and reported as ErrNotFound.
	Get(ctx context.Context, userID string) (*TokenRecord, error)

	// Delete unconditionally removes the record and any aliases pointing at it.
	Delete(ctx context.Context, userID string) error

	// Summaries returns redacted summaries of all stored records.
	Summaries(ctx context.Context) ([]TokenSummary, error)

	// Close releases backend resources.
	Close() error
}

// HasValid reports whether the user has an unexpired record with a
// non-empty access token.
func HasValid(ctx context.Context, s TokenStore, userID string) bool {
	rec, err := s.Get(ctx, userID)
	return err == nil && rec.AccessToken != ""
}

// AccessToken is a projection of Get.
func AccessToken(ctx context.Context, s TokenStore, userID string) (string, error) {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// TenantID is a projection of Get.
func TenantID(ctx context.Context, s TokenStore, userID string) (string, error) {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.TenantID, nil
}
