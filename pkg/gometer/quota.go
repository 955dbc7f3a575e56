package gometer

import (
	"sync"
	"time"
)

// QuotaTrackerConfig configures a QuotaTracker.
type QuotaTrackerConfig struct {
	AccountID string

	// MonthlyLimit is the maximum units consumable per calendar month
	MonthlyLimit int

	// DailyLimit is the maximum units consumable per UTC calendar day
	DailyLimit int

	// WarningThresholds are usage fractions (e.g. 0.8, 0.9) that trigger
	// WarningFunc once per period when crossed
	WarningThresholds []float64

	// WarningFunc is called when a monthly usage threshold is crossed (optional)
	WarningFunc func(accountID string, threshold float64, used, limit int)

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking quota operations (default: NoopMetrics)
	Metrics Metrics
}

// QuotaTracker tracks monthly and daily consumption ceilings for one
// account. Counters roll over lazily: the first access after a stored
// period no longer contains the current instant resets that counter.
// There is no background timer.
type QuotaTracker struct {
	mu sync.Mutex

	accountID    string
	monthlyLimit int
	monthlyUsed  int
	dailyLimit   int
	dailyUsed    int

	monthlyPeriod Period
	dailyPeriod   Period

	warnedThresholds map[float64]bool
	warningFunc      func(accountID string, threshold float64, used, limit int)
	thresholds       []float64

	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewQuotaTracker creates a quota tracker for one account.
func NewQuotaTracker(config QuotaTrackerConfig) (*QuotaTracker, error) {
	if config.MonthlyLimit < 0 || config.DailyLimit < 0 {
		return nil, ErrInvalidConfig
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	now := time.Now().UTC()
	return &QuotaTracker{
		accountID:        config.AccountID,
		monthlyLimit:     config.MonthlyLimit,
		dailyLimit:       config.DailyLimit,
		monthlyPeriod:    currentMonthlyPeriod(now),
		dailyPeriod:      currentDailyPeriod(now),
		warnedThresholds: make(map[float64]bool),
		warningFunc:      config.WarningFunc,
		thresholds:       config.WarningThresholds,
		logger:           config.Logger,
		metrics:          config.Metrics,
		now:              func() time.Time { return time.Now().UTC() },
	}, nil
}

// CanConsume reports whether n more units fit under both ceilings.
// On rejection it returns a QuotaExceededError naming the boundary that
// was hit and the remaining headroom there.
func (q *QuotaTracker) CanConsume(n int) (bool, *QuotaExceededError) {
	if n < 0 {
		return false, &QuotaExceededError{Period: PeriodTypeMonthly, Requested: n}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked(q.now())

	if q.monthlyUsed+n > q.monthlyLimit {
		q.metrics.RecordQuotaCheck(q.accountID, PeriodTypeMonthly, false)
		return false, &QuotaExceededError{
			Period:    PeriodTypeMonthly,
			Requested: n,
			Remaining: q.monthlyLimit - q.monthlyUsed,
		}
	}
	if q.dailyUsed+n > q.dailyLimit {
		q.metrics.RecordQuotaCheck(q.accountID, PeriodTypeDaily, false)
		return false, &QuotaExceededError{
			Period:    PeriodTypeDaily,
			Requested: n,
			Remaining: q.dailyLimit - q.dailyUsed,
		}
	}

	q.metrics.RecordQuotaCheck(q.accountID, PeriodTypeMonthly, true)
	return true, nil
}

// TryConsume checks both ceilings and records n units in one critical
// section, so concurrent reservations can never push a counter past its
// limit. On rejection nothing is recorded and the returned error names
// the boundary that was hit. This is the admission entry point;
// CanConsume is the non-mutating probe.
func (q *QuotaTracker) TryConsume(n int) (bool, *QuotaExceededError) {
	if n < 0 {
		return false, &QuotaExceededError{Period: PeriodTypeMonthly, Requested: n}
	}

	q.mu.Lock()
	q.rolloverLocked(q.now())

	if q.monthlyUsed+n > q.monthlyLimit {
		remaining := q.monthlyLimit - q.monthlyUsed
		q.mu.Unlock()
		q.metrics.RecordQuotaCheck(q.accountID, PeriodTypeMonthly, false)
		return false, &QuotaExceededError{
			Period:    PeriodTypeMonthly,
			Requested: n,
			Remaining: remaining,
		}
	}
	if q.dailyUsed+n > q.dailyLimit {
		remaining := q.dailyLimit - q.dailyUsed
		q.mu.Unlock()
		q.metrics.RecordQuotaCheck(q.accountID, PeriodTypeDaily, false)
		return false, &QuotaExceededError{
			Period:    PeriodTypeDaily,
			Requested: n,
			Remaining: remaining,
		}
	}

	q.monthlyUsed += n
	q.dailyUsed += n
	warnings := q.collectWarningsLocked()
	q.mu.Unlock()

	q.metrics.RecordQuotaCheck(q.accountID, PeriodTypeMonthly, true)
	if n > 0 {
		q.metrics.RecordConsumption(q.accountID, n)
	}
	q.fireWarnings(warnings)
	return true, nil
}

// RecordUsage increments both counters unconditionally, without an
// admission check. Use TryConsume for checked reservations.
func (q *QuotaTracker) RecordUsage(n int) {
	if n <= 0 {
		return
	}

	q.mu.Lock()
	q.rolloverLocked(q.now())
	q.monthlyUsed += n
	q.dailyUsed += n
	warnings := q.collectWarningsLocked()
	q.mu.Unlock()

	q.metrics.RecordConsumption(q.accountID, n)
	q.fireWarnings(warnings)
}

// ReleaseUsage returns previously recorded units, clamped at zero.
// Used by reserve-then-commit flows to undo a reservation when the
// external call ultimately fails.
func (q *QuotaTracker) ReleaseUsage(n int) {
	if n <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked(q.now())
	q.monthlyUsed -= n
	if q.monthlyUsed < 0 {
		q.monthlyUsed = 0
	}
	q.dailyUsed -= n
	if q.dailyUsed < 0 {
		q.dailyUsed = 0
	}
}

// Remaining returns current headroom per period after due rollover.
func (q *QuotaTracker) Remaining() QuotaRemaining {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked(q.now())
	return QuotaRemaining{
		Monthly: q.monthlyLimit - q.monthlyUsed,
		Daily:   q.dailyLimit - q.dailyUsed,
	}
}

// SetLimits swaps the plan ceilings at runtime. Accumulated usage
// counters are preserved across the change.
func (q *QuotaTracker) SetLimits(monthlyLimit, dailyLimit int) error {
	if monthlyLimit < 0 || dailyLimit < 0 {
		return ErrInvalidConfig
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.monthlyLimit = monthlyLimit
	q.dailyLimit = dailyLimit
	q.logger.Info("quota limits changed",
		Field{Key: "account_id", Value: q.accountID},
		Field{Key: "monthly_limit", Value: monthlyLimit},
		Field{Key: "daily_limit", Value: dailyLimit},
	)
	return nil
}

// QuotaSnapshot is the complete post-mutation state of a tracker,
// exposed for the surrounding persistence layer.
type QuotaSnapshot struct {
	AccountID    string    `json:"account_id"`
	MonthlyLimit int       `json:"monthly_limit"`
	MonthlyUsed  int       `json:"monthly_used"`
	DailyLimit   int       `json:"daily_limit"`
	DailyUsed    int       `json:"daily_used"`
	MonthlyStart time.Time `json:"monthly_start"`
	DailyStart   time.Time `json:"daily_start"`
}

// Snapshot returns the tracker's complete state after due rollover.
func (q *QuotaTracker) Snapshot() *QuotaSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked(q.now())
	return &QuotaSnapshot{
		AccountID:    q.accountID,
		MonthlyLimit: q.monthlyLimit,
		MonthlyUsed:  q.monthlyUsed,
		DailyLimit:   q.dailyLimit,
		DailyUsed:    q.dailyUsed,
		MonthlyStart: q.monthlyPeriod.Start,
		DailyStart:   q.dailyPeriod.Start,
	}
}

// Restore replaces the tracker's state with a previously taken snapshot.
// Counters belonging to periods that have since ended are dropped by the
// next rollover.
func (q *QuotaTracker) Restore(snap *QuotaSnapshot) {
	if snap == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.accountID = snap.AccountID
	q.monthlyLimit = snap.MonthlyLimit
	q.monthlyUsed = snap.MonthlyUsed
	q.dailyLimit = snap.DailyLimit
	q.dailyUsed = snap.DailyUsed
	q.monthlyPeriod = currentMonthlyPeriod(snap.MonthlyStart)
	q.dailyPeriod = currentDailyPeriod(snap.DailyStart)
	q.warnedThresholds = make(map[float64]bool)
}

// rolloverLocked resets counters whose stored period no longer contains
// now. This is the only reset mechanism. Caller holds q.mu.
func (q *QuotaTracker) rolloverLocked(now time.Time) {
	if !q.monthlyPeriod.Contains(now) {
		q.monthlyPeriod = currentMonthlyPeriod(now)
		q.monthlyUsed = 0
		q.warnedThresholds = make(map[float64]bool)
		q.logger.Debug("monthly quota rolled over",
			Field{Key: "account_id", Value: q.accountID},
			Field{Key: "period_start", Value: q.monthlyPeriod.Start},
		)
	}
	if !q.dailyPeriod.Contains(now) {
		q.dailyPeriod = currentDailyPeriod(now)
		q.dailyUsed = 0
	}
}

// quotaWarning captures a crossed threshold and the counters at the
// moment of crossing.
type quotaWarning struct {
	threshold   float64
	used, limit int
}

// collectWarningsLocked marks newly crossed monthly thresholds and
// returns them for firing. Caller holds q.mu; the callback runs only
// after the lock is released so it may call back into the tracker.
func (q *QuotaTracker) collectWarningsLocked() []quotaWarning {
	if q.warningFunc == nil || q.monthlyLimit <= 0 {
		return nil
	}

	frac := float64(q.monthlyUsed) / float64(q.monthlyLimit)
	var crossed []quotaWarning
	for _, threshold := range q.thresholds {
		if frac >= threshold && !q.warnedThresholds[threshold] {
			q.warnedThresholds[threshold] = true
			crossed = append(crossed, quotaWarning{
				threshold: threshold,
				used:      q.monthlyUsed,
				limit:     q.monthlyLimit,
			})
		}
	}
	return crossed
}

func (q *QuotaTracker) fireWarnings(warnings []quotaWarning) {
	for _, w := range warnings {
		q.warningFunc(q.accountID, w.threshold, w.used, w.limit)
	}
}
