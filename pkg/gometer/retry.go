package gometer

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// RetryStrategy selects the backoff curve between attempts.
type RetryStrategy string

const (
	// StrategyFixed waits BaseDelay between every attempt
	StrategyFixed RetryStrategy = "fixed"
	// StrategyExponential doubles the delay each attempt
	StrategyExponential RetryStrategy = "exponential"
	// StrategyLinear grows the delay by BaseDelay each attempt
	StrategyLinear RetryStrategy = "linear"
)

// transientSubstrings is the message-heuristic fallback used when an
// error matches neither explicit classification set.
var transientSubstrings = []string{
	"timeout",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"unavailable",
	"connection",
	"temporarily",
}

// RetryPolicy configures a RetryExecutor.
type RetryPolicy struct {
	// Strategy selects the backoff curve (default: exponential)
	Strategy RetryStrategy

	// BaseDelay is the first attempt's delay (default: 1s)
	BaseDelay time.Duration

	// MaxDelay caps the computed delay (default: 30s)
	MaxDelay time.Duration

	// JitterFactor widens each delay by a uniform random fraction of
	// itself, up to this factor (default: 0, no jitter)
	JitterFactor float64

	// MaxRetries is the number of retries after the initial attempt
	// (default: 3, so 4 invocations total)
	MaxRetries int

	// RetryableErrors always retry, checked with errors.Is
	RetryableErrors []error

	// NonRetryableErrors always stop immediately, checked with errors.Is.
	// Non-retryable classification wins over retryable.
	NonRetryableErrors []error
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:   StrategyExponential,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

// RetryExecutor classifies failures and retries a unit of work with
// configurable backoff.
type RetryExecutor struct {
	policy  RetryPolicy
	logger  Logger
	metrics Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
}

// NewRetryExecutor creates a retry executor for the given policy.
func NewRetryExecutor(policy RetryPolicy) *RetryExecutor {
	if policy.Strategy == "" {
		policy.Strategy = StrategyExponential
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	return &RetryExecutor{
		policy:  policy,
		logger:  &NoopLogger{},
		metrics: &NoopMetrics{},
		sleep:   sleepContext,
		rand:    rand.Float64,
	}
}

// WithObservability attaches a logger and metrics sink.
func (r *RetryExecutor) WithObservability(logger Logger, metrics Metrics) *RetryExecutor {
	if logger != nil {
		r.logger = logger
	}
	if metrics != nil {
		r.metrics = metrics
	}
	return r
}

// Execute runs fn, retrying retryable failures per the policy. It
// returns nil on the first success, the original error for
// non-retryable failures, and a RetryExhaustedError once the policy's
// attempts are spent. Backoff delays honor ctx cancellation.
func (r *RetryExecutor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := r.NewAttempt()

	for attempt.Next() {
		err := fn(ctx)
		r.metrics.RecordRetryAttempt(attempt.Attempts(), err == nil)
		if err == nil {
			return nil
		}

		if !attempt.Record(err) {
			return err
		}
		if attempt.Exhausted() {
			break
		}

		delay := attempt.Delay()
		r.logger.Debug("retrying after failure",
			Field{Key: "attempt", Value: attempt.Attempts()},
			Field{Key: "delay", Value: delay},
			Field{Key: "error", Value: err.Error()},
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &RetryExhaustedError{
		Attempts: attempt.Attempts(),
		LastErr:  attempt.LastErr(),
	}
}

// Classify reports whether an error should be retried. Explicit
// non-retryable types always stop; explicit retryable types always
// retry; otherwise the message-substring heuristic decides.
func (r *RetryExecutor) Classify(err error) bool {
	if err == nil {
		return false
	}

	for _, target := range r.policy.NonRetryableErrors {
		if errors.Is(err, target) {
			return false
		}
	}

	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Kind == GenerationTransient
	}

	for _, target := range r.policy.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range transientSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// delayFor computes the backoff before retry number i (1-based),
// capped at MaxDelay and widened by jitter.
func (r *RetryExecutor) delayFor(i int) time.Duration {
	var delay time.Duration
	switch r.policy.Strategy {
	case StrategyFixed:
		delay = r.policy.BaseDelay
	case StrategyLinear:
		delay = r.policy.BaseDelay * time.Duration(i)
	default:
		delay = r.policy.BaseDelay << uint(i-1)
	}

	if delay > r.policy.MaxDelay || delay <= 0 {
		delay = r.policy.MaxDelay
	}
	if r.policy.JitterFactor > 0 {
		delay += time.Duration(r.rand() * r.policy.JitterFactor * float64(delay))
	}
	return delay
}

// Attempt is the manual step primitive behind Execute. Callers that
// need to interleave their own pacing between tries, like the batch
// executor, drive it directly:
//
//	a := exec.NewAttempt()
//	for a.Next() {
//	    if err := do(); err == nil {
//	        break
//	    } else if !a.Record(err) {
//	        return err // non-retryable
//	    }
//	    // caller's own pacing here, then a.Delay()
//	}
type Attempt struct {
	executor *RetryExecutor
	attempts int
	lastErr  error
	stopped  bool
}

// NewAttempt starts a fresh attempt sequence under this policy.
func (r *RetryExecutor) NewAttempt() *Attempt {
	return &Attempt{executor: r}
}

// Next reports whether another invocation is allowed. It counts the
// invocation, so call it exactly once per try.
func (a *Attempt) Next() bool {
	if a.stopped {
		return false
	}
	if a.attempts > a.executor.policy.MaxRetries {
		return false
	}
	a.attempts++
	return true
}

// Record classifies a failure. It returns false when the error is
// non-retryable, in which case the sequence is stopped and the caller
// should propagate the error as-is.
func (a *Attempt) Record(err error) bool {
	a.lastErr = err
	if !a.executor.Classify(err) {
		a.stopped = true
		return false
	}
	return true
}

// Delay returns the backoff before the next invocation.
func (a *Attempt) Delay() time.Duration {
	return a.executor.delayFor(a.attempts)
}

// Exhausted reports whether the policy's attempts are spent.
func (a *Attempt) Exhausted() bool {
	return a.attempts > a.executor.policy.MaxRetries
}

// Attempts returns the number of invocations made so far.
func (a *Attempt) Attempts() int {
	return a.attempts
}

// LastErr returns the most recently recorded failure.
func (a *Attempt) LastErr() error {
	return a.lastErr
}

// sleepContext blocks for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
