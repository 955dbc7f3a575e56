package gometer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ItemFunc performs the external generation call for a single batch item.
type ItemFunc func(ctx context.Context, item interface{}) error

// ProgressFunc is invoked after every processed item. It must not block
// indefinitely; the executor does not guard against a stuck callback.
type ProgressFunc func(index, total int, result ItemResult)

// BatchConfig configures a BatchExecutor.
type BatchConfig struct {
	// CallsPerPeriod bounds the executor's own throughput; this pacing
	// limiter is independent of any per-account limiter (default: 60)
	CallsPerPeriod int

	// Period is the window CallsPerPeriod applies to (default: 1 minute)
	Period time.Duration

	// ItemDuration is the assumed duration of one generation call, used
	// as the per-item floor in Estimate (default: 2s)
	ItemDuration time.Duration

	// Retry is the policy for retrying transient item failures
	Retry RetryPolicy

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking batch runs (default: NoopMetrics)
	Metrics Metrics
}

// DefaultBatchConfig returns a BatchConfig with sensible defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		CallsPerPeriod: 60,
		Period:         time.Minute,
		ItemDuration:   2 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// BatchOption represents an option for a batch run.
type BatchOption func(*batchOptions)

type batchOptions struct {
	stopOnError bool
	progress    ProgressFunc
	jobID       string
}

// WithStopOnError aborts the run at the first failing item; no further
// items are processed.
func WithStopOnError() BatchOption {
	return func(o *batchOptions) { o.stopOnError = true }
}

// WithProgress attaches a progress callback invoked after every item.
func WithProgress(fn ProgressFunc) BatchOption {
	return func(o *batchOptions) { o.progress = fn }
}

// WithJobID overrides the generated job identifier.
func WithJobID(id string) BatchOption {
	return func(o *batchOptions) { o.jobID = id }
}

// BatchExecutor orchestrates many single-item generation calls, pacing
// them through its own throughput limiter and retrying each item per
// the configured policy. Items are processed strictly in input order;
// pacing and backoff never reorder results. A run blocks its caller for
// the duration of the batch, so it belongs on background paths, not
// latency-sensitive ones.
type BatchExecutor struct {
	config  BatchConfig
	retry   *RetryExecutor
	logger  Logger
	metrics Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	lastCall time.Time
}

// NewBatchExecutor creates a batch executor.
func NewBatchExecutor(config BatchConfig) (*BatchExecutor, error) {
	if config.CallsPerPeriod < 0 {
		return nil, ErrInvalidConfig
	}
	if config.CallsPerPeriod == 0 {
		config.CallsPerPeriod = 60
	}
	if config.Period <= 0 {
		config.Period = time.Minute
	}
	if config.ItemDuration <= 0 {
		config.ItemDuration = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &BatchExecutor{
		config:  config,
		retry:   NewRetryExecutor(config.Retry).WithObservability(config.Logger, config.Metrics),
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}, nil
}

// Run processes items in order, invoking fn once per item through the
// pacing limiter and the retry policy. Individual item failures are
// recorded in the outcome, never returned as the run's error, unless
// WithStopOnError is set, in which case the run stops at the failing
// item and a BatchAbortedError is returned alongside the partial
// outcome. Cancellation is checked between items and between retry
// attempts; a cancelled run returns the outcome so far and ctx's error.
func (b *BatchExecutor) Run(ctx context.Context, items []interface{}, fn ItemFunc, opts ...BatchOption) (*BatchOutcome, error) {
	options := batchOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.jobID == "" {
		options.jobID = fmt.Sprintf("batch-%d", b.now().UnixNano())
	}

	outcome := &BatchOutcome{
		JobID:      options.jobID,
		TotalCount: len(items),
		Results:    make([]ItemResult, 0, len(items)),
	}

	b.logger.Info("batch run started",
		Field{Key: "job_id", Value: options.jobID},
		Field{Key: "total", Value: len(items)},
	)

	started := b.now()
	defer func() {
		outcome.Elapsed = b.now().Sub(started)
		b.metrics.RecordBatchRun(outcome.TotalCount, outcome.SuccessCount, outcome.FailureCount, outcome.Elapsed)
	}()

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			outcome.Aborted = true
			return outcome, err
		}

		if err := b.pace(ctx); err != nil {
			outcome.Aborted = true
			return outcome, err
		}

		result := b.runItem(ctx, i, item, fn)
		outcome.Results = append(outcome.Results, result)
		if result.Err == nil {
			outcome.SuccessCount++
		} else {
			outcome.FailureCount++
		}

		if options.progress != nil {
			options.progress(i, len(items), result)
		}

		if result.Err != nil {
			if ctx.Err() != nil {
				outcome.Aborted = true
				return outcome, ctx.Err()
			}
			if options.stopOnError {
				outcome.Aborted = true
				abortErr := &BatchAbortedError{
					Completed: outcome.Processed(),
					Reason:    result.Err,
				}
				b.logger.Warn("batch run aborted",
					Field{Key: "job_id", Value: options.jobID},
					Field{Key: "completed", Value: outcome.Processed()},
					Field{Key: "error", Value: result.Err.Error()},
				)
				return outcome, abortErr
			}
		}
	}

	b.logger.Info("batch run finished",
		Field{Key: "job_id", Value: options.jobID},
		Field{Key: "succeeded", Value: outcome.SuccessCount},
		Field{Key: "failed", Value: outcome.FailureCount},
	)
	return outcome, nil
}

// runItem drives one item through the retry attempt primitive,
// interleaving backoff sleeps between tries.
func (b *BatchExecutor) runItem(ctx context.Context, index int, item interface{}, fn ItemFunc) ItemResult {
	itemStart := b.now()
	attempt := b.retry.NewAttempt()

	var itemErr error
	for attempt.Next() {
		err := fn(ctx, item)
		b.metrics.RecordRetryAttempt(attempt.Attempts(), err == nil)
		if err == nil {
			itemErr = nil
			break
		}

		if !attempt.Record(err) {
			itemErr = err
			break
		}
		if attempt.Exhausted() {
			itemErr = &RetryExhaustedError{Attempts: attempt.Attempts(), LastErr: err}
			break
		}

		itemErr = err
		if sleepErr := b.sleep(ctx, attempt.Delay()); sleepErr != nil {
			itemErr = sleepErr
			break
		}
	}

	return ItemResult{
		Index:    index,
		Err:      itemErr,
		Attempts: attempt.Attempts(),
		Duration: b.now().Sub(itemStart),
	}
}

// pace blocks until the next pacing slot. Interval is period divided by
// the per-period call budget; the first call passes immediately.
func (b *BatchExecutor) pace(ctx context.Context) error {
	interval := b.config.Period / time.Duration(b.config.CallsPerPeriod)

	b.mu.Lock()
	now := b.now()
	var wait time.Duration
	if !b.lastCall.IsZero() {
		next := b.lastCall.Add(interval)
		if next.After(now) {
			wait = next.Sub(now)
		}
	}
	b.lastCall = now.Add(wait)
	b.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	return b.sleep(ctx, wait)
}

// Estimate returns a conservative floor for how long a batch of n items
// will take: the larger of the pacing-implied time and n times the
// assumed per-item generation duration.
func (b *BatchExecutor) Estimate(n int) time.Duration {
	if n <= 0 {
		return 0
	}

	interval := b.config.Period / time.Duration(b.config.CallsPerPeriod)
	paced := time.Duration(n) * interval
	generated := time.Duration(n) * b.config.ItemDuration

	if paced > generated {
		return paced
	}
	return generated
}
