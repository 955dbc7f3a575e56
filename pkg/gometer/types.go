package gometer

import (
	"time"
)

// PeriodType identifies the calendar window a quota counter accumulates over.
type PeriodType string

const (
	// PeriodTypeDaily represents a UTC calendar-day quota period
	PeriodTypeDaily PeriodType = "daily"
	// PeriodTypeMonthly represents a calendar-month quota period
	PeriodTypeMonthly PeriodType = "monthly"
)

// Period represents a quota period with explicit start and end instants.
// Periods are always UTC-normalized; comparing Start instants rather than
// formatted date strings keeps rollover timezone-safe.
type Period struct {
	Start time.Time
	End   time.Time
	Type  PeriodType
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	tt := t.UTC()
	return !tt.Before(p.Start) && tt.Before(p.End)
}

// PlanConfig holds the per-account limits supplied by the surrounding
// tier/plan layer. Limits are swappable at runtime without losing
// accumulated usage counters.
type PlanConfig struct {
	Name string

	// MonthlyLimit is the maximum units consumable per monthly period
	MonthlyLimit int

	// DailyLimit is the maximum units consumable per daily period
	DailyLimit int

	// RateLimitPerMinute bounds request frequency for the account
	RateLimitPerMinute int

	// MaxBatchSize caps the number of items per batch run
	MaxBatchSize int
}

// QuotaRemaining reports headroom per period for the query surface
// used by dashboards and UI layers.
type QuotaRemaining struct {
	Monthly int
	Daily   int
}

// RateLimitDecision is the outcome of a sliding-window check.
type RateLimitDecision struct {
	// Allowed is true if the call was admitted and recorded
	Allowed bool

	// Remaining is the number of calls left under the effective ceiling
	Remaining int

	// Limit is the nominal per-key limit the check ran against
	Limit int

	// RetryAfter is how long until the oldest recorded call exits the
	// window; zero when Allowed
	RetryAfter time.Duration

	// ResetTime is when the current window fully drains
	ResetTime time.Time
}

// TransactionKind tags an entry in the credit ledger's audit trail.
type TransactionKind string

const (
	TransactionPurchase TransactionKind = "purchase"
	TransactionUsage    TransactionKind = "usage"
	TransactionBonus    TransactionKind = "bonus"
	TransactionRefund   TransactionKind = "refund"
)

// CreditTransaction is an immutable append-only ledger record.
// BalanceAfter is always exactly the prior effective total plus Amount.
type CreditTransaction struct {
	ID             int64
	Amount         int
	BalanceAfter   int
	Kind           TransactionKind
	Timestamp      time.Time
	IdempotencyKey string
}

// CreditBalance is the read surface of a CreditLedger.
type CreditBalance struct {
	// Balance is the purchased (non-expiring) balance
	Balance int

	// Bonus is the promotional balance, zero once expired
	Bonus int

	// Total is Balance + Bonus after expiry is applied
	Total int

	// BonusExpiresAt is when the bonus balance lapses; zero time when
	// no bonus is held
	BonusExpiresAt time.Time

	// Cumulative lifetime totals
	TotalPurchased int
	TotalUsed      int
	TotalBonus     int
}

// ItemResult is the per-item outcome inside a BatchOutcome, in input order.
type ItemResult struct {
	Index    int
	Err      error
	Attempts int
	Duration time.Duration
}

// BatchOutcome aggregates a batch run. SuccessCount+FailureCount equals
// the number of processed items; it is less than TotalCount only when a
// stop-on-error abort or cancellation cut the run short.
type BatchOutcome struct {
	JobID        string
	TotalCount   int
	SuccessCount int
	FailureCount int
	Results      []ItemResult
	Elapsed      time.Duration
	Aborted      bool
}

// Processed returns the number of items the run actually attempted.
func (o *BatchOutcome) Processed() int {
	return o.SuccessCount + o.FailureCount
}

// ConsumeOption represents an option for ledger mutations.
type ConsumeOption func(*ConsumeOptions)

// ConsumeOptions holds options for ledger mutations.
type ConsumeOptions struct {
	IdempotencyKey string
}

// WithIdempotencyKey sets the idempotency key for a ledger mutation.
// A duplicate key returns the originally recorded transaction instead
// of applying the mutation twice.
func WithIdempotencyKey(key string) ConsumeOption {
	return func(opts *ConsumeOptions) {
		opts.IdempotencyKey = key
	}
}
