package gometer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidConfig is returned when a constructor rejects its configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAccountNotFound is returned when no tracker or ledger exists for an account
	ErrAccountNotFound = errors.New("account not found")

	// ErrStoreUnavailable is returned when the snapshot store is unavailable
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RateLimitExceededError is returned when a sliding-window check rejects
// a call. RetryAfter is how long until the oldest recorded call exits
// the window.
type RateLimitExceededError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit %d, retry after %s", e.Key, e.Limit, e.RetryAfter)
}

// QuotaExceededError is returned when a consumption would cross a
// monthly or daily ceiling. Period names the boundary that was hit.
type QuotaExceededError struct {
	Period    PeriodType
	Requested int
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: requested %d, remaining %d", e.Period, e.Requested, e.Remaining)
}

// InsufficientCreditsError is returned when a ledger draw exceeds the
// effective total balance. The ledger is left unchanged.
type InsufficientCreditsError struct {
	Requested int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d, available %d", e.Requested, e.Available)
}

// GenerationErrorKind classifies a generation failure for retry purposes.
type GenerationErrorKind string

const (
	GenerationTransient GenerationErrorKind = "transient"
	GenerationPermanent GenerationErrorKind = "permanent"
)

// GenerationError wraps a failure from the external generation capability.
type GenerationError struct {
	Kind GenerationErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned after a retry policy's attempts are
// spent. LastErr is the final attempt's failure.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// BatchAbortedError reports an early-stopped batch run.
type BatchAbortedError struct {
	Completed int
	Reason    error
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("batch aborted after %d items: %v", e.Completed, e.Reason)
}

func (e *BatchAbortedError) Unwrap() error { return e.Reason }
