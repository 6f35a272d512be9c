// Package memory provides an in-memory implementation of the token store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"xerobridge/instrumentation"
	"xerobridge/storage"
)

// Store is a mutex-guarded in-memory token store with lazy expiry:
// there is no background sweep, expired records are evicted on access.
type Store struct {
	mu sync.Mutex

	records map[string]*storage.TokenRecord
	aliases map[string]string // alternate identifier -> canonical key

	logger *slog.Logger

	// Lock-free count for metric collection.
	recordCount atomic.Int64

	instrumentation *instrumentation.Instrumentation
}

var _ storage.TokenStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*storage.TokenRecord),
		aliases: make(map[string]string),
		logger:  slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation registers the store size gauge with the given instrumentation.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.recordCount.Store(int64(len(s.records)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterTokenCountCallback(func() int64 { return s.recordCount.Load() }); err != nil {
			s.logger.Warn("Failed to register token count callback", "error", err)
		}
	}
}

// Save inserts or fully replaces the record for a user.
func (s *Store) Save(ctx context.Context, userID string, rec *storage.TokenRecord) error {
	if userID == "" {
		return fmt.Errorf("userID cannot be empty")
	}
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.records[userID]
	cp := *rec
	s.records[userID] = &cp
	if !existed {
		s.recordCount.Add(1)
	}

	s.logger.Debug("Saved token record", "user_id", userID, "expires_at", rec.ExpiresAt)
	return nil
}

// SaveAlias maps an alternate identifier onto a canonical key.
func (s *Store) SaveAlias(ctx context.Context, alias, userID string) error {
	if alias == "" || userID == "" {
		return fmt.Errorf("alias and userID cannot be empty")
	}
	if alias == userID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = userID
	return nil
}

// Get returns the record for a user, following one alias hop.
// An expired record is deleted on the way out and reported as not found.
func (s *Store) Get(ctx context.Context, userID string) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID
	if canonical, ok := s.aliases[key]; ok {
		key = canonical
	}

	rec, ok := s.records[key]
	if !ok {
		s.logger.Debug("Token record not found", "user_id", userID)
		return nil, storage.ErrNotFound
	}

	if rec.Expired(time.Now()) {
		delete(s.records, key)
		s.recordCount.Add(-1)
		s.logger.Info("Evicted expired token record", "user_id", userID, "expired_at", rec.ExpiresAt)
		return nil, storage.ErrNotFound
	}

	cp := *rec
	return &cp, nil
}

// Delete removes the record and any aliases pointing at it.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID
	if canonical, ok := s.aliases[key]; ok {
		key = canonical
	}

	if _, ok := s.records[key]; ok {
		delete(s.records, key)
		s.recordCount.Add(-1)
	}
	for alias, canonical := range s.aliases {
		if canonical == key {
			delete(s.aliases, alias)
		}
	}

	s.logger.Debug("Deleted token record", "user_id", userID)
	return nil
}

// Summaries returns redacted summaries of all stored records.
func (s *Store) Summaries(ctx context.Context) ([]storage.TokenSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]storage.TokenSummary, 0, len(s.records))
	for userID, rec := range s.records {
		out = append(out, storage.TokenSummary{
			UserID:          userID,
			HasAccessToken:  rec.AccessToken != "",
			HasRefreshToken: rec.RefreshToken != "",
			HasTenant:       rec.TenantID != "",
			StoredAt:        rec.StoredAt,
			ExpiresAt:       rec.ExpiresAt,
			Expired:         rec.Expired(now),
		})
	}
	return out, nil
}

// Close implements storage.TokenStore. The in-memory store holds no resources.
func (s *Store) Close() error {
	return nil
}
