package gometer

import "time"

// Metrics defines the interface for tracking metering operations.
type Metrics interface {
	// RecordRateLimitDecision records a sliding-window check outcome.
	RecordRateLimitDecision(key string, allowed bool)

	// RecordQuotaCheck records the outcome of a quota admission check.
	RecordQuotaCheck(accountID string, period PeriodType, allowed bool)

	// RecordConsumption records a committed quota consumption.
	RecordConsumption(accountID string, amount int)

	// RecordCreditOperation records a ledger mutation by transaction kind.
	RecordCreditOperation(kind TransactionKind, amount int)

	// RecordRetryAttempt records a single retry attempt and its outcome.
	RecordRetryAttempt(attempt int, success bool)

	// RecordBatchRun records a completed batch run.
	RecordBatchRun(total, succeeded, failed int, elapsed time.Duration)

	// RecordStoreOperation records the duration and status of a snapshot
	// store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRateLimitDecision(key string, allowed bool)                       {}
func (n *NoopMetrics) RecordQuotaCheck(accountID string, period PeriodType, allowed bool)     {}
func (n *NoopMetrics) RecordConsumption(accountID string, amount int)                         {}
func (n *NoopMetrics) RecordCreditOperation(kind TransactionKind, amount int)                 {}
func (n *NoopMetrics) RecordRetryAttempt(attempt int, success bool)                           {}
func (n *NoopMetrics) RecordBatchRun(total, succeeded, failed int, elapsed time.Duration)     {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
}
