package gometer

import "context"

// Store is the persistence collaborator. Every mutating operation on
// the trackers produces a complete post-mutation snapshot; a Store
// writes and reads those atomically per account. The core guarantees
// snapshot completeness, not durability, so implementations decide
// their own at-rest format.
type Store interface {
	// SaveQuota persists a quota tracker snapshot.
	SaveQuota(ctx context.Context, snap *QuotaSnapshot) error

	// LoadQuota retrieves a quota snapshot.
	// Returns nil, nil when no snapshot exists for the account.
	LoadQuota(ctx context.Context, accountID string) (*QuotaSnapshot, error)

	// SaveLedger persists a credit ledger snapshot including history.
	SaveLedger(ctx context.Context, snap *LedgerSnapshot) error

	// LoadLedger retrieves a ledger snapshot.
	// Returns nil, nil when no snapshot exists for the account.
	LoadLedger(ctx context.Context, accountID string) (*LedgerSnapshot, error)

	// SaveRateLimits persists the sliding-window limiter state.
	SaveRateLimits(ctx context.Context, snap *RateLimitSnapshot) error

	// LoadRateLimits retrieves the limiter state.
	// Returns nil, nil when no state has been saved.
	LoadRateLimits(ctx context.Context) (*RateLimitSnapshot, error)

	// Close releases any held resources.
	Close() error
}
