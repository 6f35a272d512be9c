// Package valkey provides a Valkey-backed implementation of the token store.
// Record expiry is enforced twice: Valkey TTLs bound retention on the server
// side, and the expiry timestamp inside each record is still checked on read.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"xerobridge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "xbridge:"

	// scanBatchSize is the number of keys fetched per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout bounds the initial PING on startup.
	connectionVerifyTimeout = 5 * time.Second

	// aliasFallbackTTL is applied to alias keys when the canonical record's
	// TTL cannot be determined.
	aliasFallbackTTL = 30 * 24 * time.Hour
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// KeyPrefix is the prefix for all keys (default "xbridge:").
	KeyPrefix string

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// Logger for structured logging (optional).
	Logger *slog.Logger
}

// Store is a Valkey-backed token store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.TokenStore = (*Store)(nil)

// New creates a Valkey store and verifies connectivity with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		TLSConfig:   cfg.TLSConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to verify valkey connection: %w", err)
	}

	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close releases the Valkey client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) tokenKey(userID string) string { return s.prefix + "token:" + userID }
func (s *Store) aliasKey(alias string) string  { return s.prefix + "alias:" + alias }

// recordJSON is the serialized form of a storage.TokenRecord.
type recordJSON struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Save inserts or fully replaces the record for a user.
// The key's TTL mirrors the record expiry so Valkey reclaims dead records.
func (s *Store) Save(ctx context.Context, userID string, rec *storage.TokenRecord) error {
	if userID == "" {
		return fmt.Errorf("userID cannot be empty")
	}
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}

	data, err := json.Marshal(recordJSON{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TenantID:     rec.TenantID,
		StoredAt:     rec.StoredAt,
		ExpiresAt:    rec.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token record already expired")
	}

	key := s.tokenKey(userID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Px(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}

	s.logger.Debug("Saved token record", "user_id", userID, "expires_at", rec.ExpiresAt)
	return nil
}

// SaveAlias maps an alternate identifier onto a canonical key. The alias
// inherits the canonical record's remaining TTL.
func (s *Store) SaveAlias(ctx context.Context, alias, userID string) error {
	if alias == "" || userID == "" {
		return fmt.Errorf("alias and userID cannot be empty")
	}
	if alias == userID {
		return nil
	}

	ttl := aliasFallbackTTL
	if ms, err := s.client.Do(ctx, s.client.B().Pttl().Key(s.tokenKey(userID)).Build()).AsInt64(); err == nil && ms > 0 {
		ttl = time.Duration(ms) * time.Millisecond
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.aliasKey(alias)).Value(userID).Px(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save alias: %w", err)
	}
	return nil
}

// Get returns the record for a user, following one alias hop.
func (s *Store) Get(ctx context.Context, userID string) (*storage.TokenRecord, error) {
	key := userID
	if canonical, err := s.client.Do(ctx, s.client.B().Get().Key(s.aliasKey(userID)).Build()).ToString(); err == nil && canonical != "" {
		key = canonical
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(key)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	var j recordJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	rec := &storage.TokenRecord{
		AccessToken:  j.AccessToken,
		RefreshToken: j.RefreshToken,
		TenantID:     j.TenantID,
		StoredAt:     j.StoredAt,
		ExpiresAt:    j.ExpiresAt,
	}

	// TTL normally reclaims expired keys, but clock drift between the
	// bridge and Valkey makes this check authoritative.
	if rec.Expired(time.Now()) {
		_ = s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(key)).Build()).Error()
		s.logger.Info("Evicted expired token record", "user_id", userID, "expired_at", rec.ExpiresAt)
		return nil, storage.ErrNotFound
	}

	return rec, nil
}

// Delete unconditionally removes the record for a user.
// Aliases are left to expire via their TTL; a dangling alias resolves to a
// missing record and reads as not found.
func (s *Store) Delete(ctx context.Context, userID string) error {
	key := userID
	if canonical, err := s.client.Do(ctx, s.client.B().Get().Key(s.aliasKey(userID)).Build()).ToString(); err == nil && canonical != "" {
		key = canonical
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	s.logger.Debug("Deleted token record", "user_id", userID)
	return nil
}

// Summaries scans all token keys and returns redacted summaries.
func (s *Store) Summaries(ctx context.Context) ([]storage.TokenSummary, error) {
	var out []storage.TokenSummary
	now := time.Now()
	prefixLen := len(s.tokenKey(""))

	var cursor uint64
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(s.tokenKey("*")).Count(scanBatchSize).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan token keys: %w", err)
		}

		for _, key := range entry.Elements {
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if valkeygo.IsValkeyNil(err) {
					continue // expired between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get token record: %w", err)
			}

			var j recordJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Skipping malformed token record", "key", key, "error", err)
				continue
			}

			out = append(out, storage.TokenSummary{
				UserID:          key[prefixLen:],
				HasAccessToken:  j.AccessToken != "",
				HasRefreshToken: j.RefreshToken != "",
				HasTenant:       j.TenantID != "",
				StoredAt:        j.StoredAt,
				ExpiresAt:       j.ExpiresAt,
				Expired:         !now.Before(j.ExpiresAt),
			})
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
