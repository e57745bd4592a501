// Package store provides an in-memory restriction store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/model"
)

// Compile-time check: *MemoryStore implements datastore.DataStore.
var _ datastore.DataStore = (*MemoryStore)(nil)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior: expiries are kept in their encoded form, so
// second resolution and malformed rows behave as they do on disk.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	rows map[int64]*memoryRow

	failAll    error
	failDelete map[int64]error
}

type memoryRow struct {
	userID      int64
	reason      string
	moderatorID int64
	expiresAt   *string
	createdAt   time.Time
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:        now,
		rows:       make(map[int64]*memoryRow),
		failDelete: make(map[int64]error),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// FailAll makes every following operation return err. Pass nil to heal.
func (s *MemoryStore) FailAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

// FailDelete makes deleting userID return err.
func (s *MemoryStore) FailDelete(userID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete[userID] = err
}

// PutRaw stores a row with an arbitrary encoded expiry, bypassing
// encoding. Used to simulate corrupted data.
func (s *MemoryStore) PutRaw(userID int64, reason string, moderatorID int64, expiresAt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[userID] = &memoryRow{
		userID:      userID,
		reason:      reason,
		moderatorID: moderatorID,
		expiresAt:   &expiresAt,
		createdAt:   s.now().UTC().Truncate(time.Second),
	}
}

// UpsertRestriction stores r, replacing any existing row for the user.
func (s *MemoryStore) UpsertRestriction(_ context.Context, r model.Restriction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return fmt.Errorf("store: upsert restriction: %w", s.failAll)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	s.rows[r.UserID] = &memoryRow{
		userID:      r.UserID,
		reason:      r.Reason,
		moderatorID: r.ModeratorID,
		expiresAt:   datastore.FormatExpiry(r.ExpiresAt),
		createdAt:   createdAt.UTC().Truncate(time.Second),
	}
	return nil
}

// GetRestriction retrieves the restriction for a user.
func (s *MemoryStore) GetRestriction(_ context.Context, userID int64) (*model.Restriction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failAll != nil {
		return nil, fmt.Errorf("store: get restriction: %w", s.failAll)
	}
	row, ok := s.rows[userID]
	if !ok {
		return nil, nil
	}
	lr := row.decode()
	if lr.Err != nil {
		return nil, fmt.Errorf("store: get restriction %d: %w", userID, lr.Err)
	}
	return &lr.Restriction, nil
}

// DeleteRestriction removes the restriction for a user.
func (s *MemoryStore) DeleteRestriction(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return false, fmt.Errorf("store: delete restriction: %w", s.failAll)
	}
	if err := s.failDelete[userID]; err != nil {
		return false, fmt.Errorf("store: delete restriction: %w", err)
	}
	if _, ok := s.rows[userID]; !ok {
		return false, nil
	}
	delete(s.rows, userID)
	return true, nil
}

// DeleteExpiredRestriction removes the row for userID if it is expired at now.
func (s *MemoryStore) DeleteExpiredRestriction(_ context.Context, userID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return false, fmt.Errorf("store: delete expired restriction: %w", s.failAll)
	}
	if err := s.failDelete[userID]; err != nil {
		return false, fmt.Errorf("store: delete expired restriction: %w", err)
	}
	row, ok := s.rows[userID]
	if !ok {
		return false, nil
	}
	lr := row.decode()
	if lr.Err != nil || !lr.ExpiredAt(now) {
		return false, nil
	}
	delete(s.rows, userID)
	return true, nil
}

// ListRestrictions returns every stored row ordered by user ID.
func (s *MemoryStore) ListRestrictions(_ context.Context) ([]datastore.ListedRestriction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failAll != nil {
		return nil, fmt.Errorf("store: list restrictions: %w", s.failAll)
	}
	out := make([]datastore.ListedRestriction, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.decode())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// CountRestrictions returns the number of stored rows.
func (s *MemoryStore) CountRestrictions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failAll != nil {
		return 0, fmt.Errorf("store: count restrictions: %w", s.failAll)
	}
	return len(s.rows), nil
}

func (row *memoryRow) decode() datastore.ListedRestriction {
	lr := datastore.ListedRestriction{
		Restriction: model.Restriction{
			UserID:      row.userID,
			Reason:      row.reason,
			ModeratorID: row.moderatorID,
			CreatedAt:   row.createdAt,
		},
	}
	lr.ExpiresAt, lr.Err = datastore.ParseExpiry(row.expiresAt)
	return lr
}
