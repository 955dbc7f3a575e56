// Package memory provides an in-memory implementation of the
// gometer.Store interface. It is primarily intended for testing,
// development, and single-process deployments that do not need
// durability.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/gometer/pkg/gometer"
)

// Store implements gometer.Store using in-memory maps.
type Store struct {
	mu         sync.RWMutex
	quotas     map[string]*gometer.QuotaSnapshot
	ledgers    map[string]*gometer.LedgerSnapshot
	rateLimits *gometer.RateLimitSnapshot
}

// New creates a new in-memory snapshot store.
func New() *Store {
	return &Store{
		quotas:  make(map[string]*gometer.QuotaSnapshot),
		ledgers: make(map[string]*gometer.LedgerSnapshot),
	}
}

// SaveQuota implements gometer.Store.
func (s *Store) SaveQuota(ctx context.Context, snap *gometer.QuotaSnapshot) error {
	if snap == nil || snap.AccountID == "" {
		return gometer.ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapCopy := *snap
	s.quotas[snap.AccountID] = &snapCopy
	return nil
}

// LoadQuota implements gometer.Store.
func (s *Store) LoadQuota(ctx context.Context, accountID string) (*gometer.QuotaSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.quotas[accountID]
	if !ok {
		return nil, nil
	}

	snapCopy := *snap
	return &snapCopy, nil
}

// SaveLedger implements gometer.Store.
func (s *Store) SaveLedger(ctx context.Context, snap *gometer.LedgerSnapshot) error {
	if snap == nil || snap.AccountID == "" {
		return gometer.ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapCopy := *snap
	snapCopy.Transactions = make([]gometer.CreditTransaction, len(snap.Transactions))
	copy(snapCopy.Transactions, snap.Transactions)
	s.ledgers[snap.AccountID] = &snapCopy
	return nil
}

// LoadLedger implements gometer.Store.
func (s *Store) LoadLedger(ctx context.Context, accountID string) (*gometer.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.ledgers[accountID]
	if !ok {
		return nil, nil
	}

	snapCopy := *snap
	snapCopy.Transactions = make([]gometer.CreditTransaction, len(snap.Transactions))
	copy(snapCopy.Transactions, snap.Transactions)
	return &snapCopy, nil
}

// SaveRateLimits implements gometer.Store.
func (s *Store) SaveRateLimits(ctx context.Context, snap *gometer.RateLimitSnapshot) error {
	if snap == nil {
		return gometer.ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rateLimits = copyRateLimits(snap)
	return nil
}

// LoadRateLimits implements gometer.Store.
func (s *Store) LoadRateLimits(ctx context.Context) (*gometer.RateLimitSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rateLimits == nil {
		return nil, nil
	}
	return copyRateLimits(s.rateLimits), nil
}

// Close implements gometer.Store.
func (s *Store) Close() error {
	return nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotas = make(map[string]*gometer.QuotaSnapshot)
	s.ledgers = make(map[string]*gometer.LedgerSnapshot)
	s.rateLimits = nil
}

func copyRateLimits(snap *gometer.RateLimitSnapshot) *gometer.RateLimitSnapshot {
	out := &gometer.RateLimitSnapshot{
		Window:  snap.Window,
		Entries: make(map[string][]time.Time, len(snap.Entries)),
	}
	for key, ts := range snap.Entries {
		tsCopy := make([]time.Time, len(ts))
		copy(tsCopy, ts)
		out.Entries[key] = tsCopy
	}
	return out
}
