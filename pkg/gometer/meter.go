package gometer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// GenerateFunc is the external generation capability. The meter never
// inspects its payload, only success and error classification.
type GenerateFunc func(ctx context.Context) error

// MeterConfig configures a Meter.
type MeterConfig struct {
	// Plans maps plan names to their limits
	Plans map[string]PlanConfig

	// DefaultPlan is used when an account is registered without a plan
	DefaultPlan string

	// RateLimiter configures the shared per-account sliding window
	RateLimiter RateLimiterConfig

	// Retry is the policy wrapping external generation calls
	Retry RetryPolicy

	// Store receives post-mutation snapshots (optional). Save failures
	// are logged, never surfaced to callers; durability is the
	// surrounding layer's concern.
	Store Store

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics
}

// accountState bundles the per-account trackers.
type accountState struct {
	plan   string
	quota  *QuotaTracker
	ledger *CreditLedger
}

// Meter composes the admission pipeline in front of the external
// generation capability: quota check, rate limit check, credit
// reservation, retried call, then commit or rollback. It owns explicit
// per-account tracker instances; construct one per composition root and
// inject it where needed.
type Meter struct {
	mu       sync.RWMutex
	accounts map[string]*accountState

	limiter        *SlidingWindowLimiter
	limiterRestore sync.Once
	retry          *RetryExecutor
	config         MeterConfig
	store          Store
	logger         Logger
	metrics        Metrics
}

// NewMeter creates a meter from plan configuration.
func NewMeter(config MeterConfig) (*Meter, error) {
	if len(config.Plans) == 0 {
		return nil, fmt.Errorf("%w: at least one plan is required", ErrInvalidConfig)
	}
	if config.DefaultPlan == "" {
		return nil, fmt.Errorf("%w: default plan is required", ErrInvalidConfig)
	}
	if _, ok := config.Plans[config.DefaultPlan]; !ok {
		return nil, fmt.Errorf("%w: default plan %q not defined", ErrInvalidConfig, config.DefaultPlan)
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	limiterConfig := config.RateLimiter
	if limiterConfig.Logger == nil {
		limiterConfig.Logger = config.Logger
	}
	if limiterConfig.Metrics == nil {
		limiterConfig.Metrics = config.Metrics
	}

	return &Meter{
		accounts: make(map[string]*accountState),
		limiter:  NewSlidingWindowLimiter(limiterConfig),
		retry:    NewRetryExecutor(config.Retry).WithObservability(config.Logger, config.Metrics),
		config:   config,
		store:    config.Store,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}, nil
}

// Close stops the meter's background work.
func (m *Meter) Close() {
	m.limiter.Close()
}

// RegisterAccount provisions trackers for an account under a plan.
// If the account already exists the call is a no-op. When a Store is
// configured, previously persisted state is restored.
func (m *Meter) RegisterAccount(ctx context.Context, accountID, plan string) error {
	if plan == "" {
		plan = m.config.DefaultPlan
	}
	planConfig, ok := m.config.Plans[plan]
	if !ok {
		return fmt.Errorf("%w: plan %q not defined", ErrInvalidConfig, plan)
	}

	// The limiter is shared across accounts, so its persisted state is
	// restored once, on the first registration.
	if m.store != nil {
		m.limiterRestore.Do(func() {
			start := time.Now()
			snap, err := m.store.LoadRateLimits(ctx)
			m.metrics.RecordStoreOperation("load_rate_limits", time.Since(start), err)
			if err == nil && snap != nil {
				m.limiter.Restore(snap)
			}
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[accountID]; exists {
		return nil
	}

	quota, err := NewQuotaTracker(QuotaTrackerConfig{
		AccountID:    accountID,
		MonthlyLimit: planConfig.MonthlyLimit,
		DailyLimit:   planConfig.DailyLimit,
		Logger:       m.logger,
		Metrics:      m.metrics,
	})
	if err != nil {
		return err
	}
	ledger := NewCreditLedger(CreditLedgerConfig{
		AccountID: accountID,
		Logger:    m.logger,
		Metrics:   m.metrics,
	})

	if m.store != nil {
		start := time.Now()
		snap, err := m.store.LoadQuota(ctx, accountID)
		m.metrics.RecordStoreOperation("load_quota", time.Since(start), err)
		if err == nil && snap != nil {
			snap.MonthlyLimit = planConfig.MonthlyLimit
			snap.DailyLimit = planConfig.DailyLimit
			quota.Restore(snap)
		}

		start = time.Now()
		ledgerSnap, err := m.store.LoadLedger(ctx, accountID)
		m.metrics.RecordStoreOperation("load_ledger", time.Since(start), err)
		if err == nil && ledgerSnap != nil {
			ledger.Restore(ledgerSnap)
		}
	}

	m.accounts[accountID] = &accountState{
		plan:   plan,
		quota:  quota,
		ledger: ledger,
	}
	m.logger.Info("account registered",
		Field{Key: "account_id", Value: accountID},
		Field{Key: "plan", Value: plan},
	)
	return nil
}

// SetPlan swaps an account's plan at runtime. Accumulated usage
// counters survive the change; only the ceilings move.
func (m *Meter) SetPlan(accountID, plan string) error {
	planConfig, ok := m.config.Plans[plan]
	if !ok {
		return fmt.Errorf("%w: plan %q not defined", ErrInvalidConfig, plan)
	}

	state, err := m.account(accountID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	state.plan = plan
	m.mu.Unlock()

	return state.quota.SetLimits(planConfig.MonthlyLimit, planConfig.DailyLimit)
}

// Reservation is a pending admission: quota and credits are reserved
// before the external call so retries never double-charge. Exactly one
// of Commit or Cancel must be called.
type Reservation struct {
	meter     *Meter
	accountID string
	cost      int
	tx        *CreditTransaction
	settled   bool
}

// Commit finalizes the reservation after a successful external call.
func (r *Reservation) Commit(ctx context.Context) {
	if r.settled {
		return
	}
	r.settled = true
	r.meter.persist(ctx, r.accountID)
}

// Cancel releases the reservation after a failed external call: the
// quota units return and a refund transaction restores the credits.
func (r *Reservation) Cancel(ctx context.Context) {
	if r.settled {
		return
	}
	r.settled = true

	state, err := r.meter.account(r.accountID)
	if err != nil {
		return
	}
	state.quota.ReleaseUsage(r.cost)
	if r.tx != nil {
		//nolint:errcheck // Refunding a just-reserved amount cannot overdraw.
		_, _ = state.ledger.Refund(r.cost)
	}
	r.meter.persist(ctx, r.accountID)
}

// Admit runs the admission pipeline for one call of the given credit
// cost: an atomic quota reservation, then the sliding-window rate
// limit, then a credit reservation. All checks fail fast with a typed
// error before any external call is made; the quota units are released
// again if a later stage rejects. On success the returned reservation
// holds the reserved quota and credits until Commit or Cancel.
func (m *Meter) Admit(ctx context.Context, accountID string, cost int) (*Reservation, error) {
	if cost < 0 {
		return nil, ErrInvalidAmount
	}

	state, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	planConfig := m.config.Plans[m.planOf(state)]

	if ok, qErr := state.quota.TryConsume(cost); !ok {
		return nil, qErr
	}

	decision := m.limiter.CheckAndRecord(accountID, planConfig.RateLimitPerMinute)
	if !decision.Allowed {
		state.quota.ReleaseUsage(cost)
		return nil, &RateLimitExceededError{
			Key:        accountID,
			Limit:      planConfig.RateLimitPerMinute,
			RetryAfter: decision.RetryAfter,
		}
	}

	var tx *CreditTransaction
	if cost > 0 {
		tx, err = state.ledger.Use(cost)
		if err != nil {
			state.quota.ReleaseUsage(cost)
			return nil, err
		}
	}
	m.persist(ctx, accountID)

	return &Reservation{
		meter:     m,
		accountID: accountID,
		cost:      cost,
		tx:        tx,
	}, nil
}

// Generate admits one call and executes the generation capability
// under the retry policy, committing the reservation on success and
// cancelling it on failure. Transient failures are retried locally and
// surfaced only after exhaustion.
func (m *Meter) Generate(ctx context.Context, accountID string, cost int, fn GenerateFunc) error {
	reservation, err := m.Admit(ctx, accountID, cost)
	if err != nil {
		return err
	}

	if err := m.retry.Execute(ctx, func(ctx context.Context) error { return fn(ctx) }); err != nil {
		reservation.Cancel(ctx)
		return err
	}

	reservation.Commit(ctx)
	return nil
}

// Remaining returns the account's quota headroom.
func (m *Meter) Remaining(accountID string) (QuotaRemaining, error) {
	state, err := m.account(accountID)
	if err != nil {
		return QuotaRemaining{}, err
	}
	return state.quota.Remaining(), nil
}

// Balance returns the account's credit balances.
func (m *Meter) Balance(accountID string) (CreditBalance, error) {
	state, err := m.account(accountID)
	if err != nil {
		return CreditBalance{}, err
	}
	return state.ledger.Balance(), nil
}

// AddCredits credits an account, optionally as expiring bonus credits.
func (m *Meter) AddCredits(ctx context.Context, accountID string, amount int, bonus bool, opts ...ConsumeOption) (*CreditTransaction, error) {
	state, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	tx, err := state.ledger.Add(amount, bonus, opts...)
	if err != nil {
		return nil, err
	}
	m.persist(ctx, accountID)
	return tx, nil
}

// Transactions returns the account's ledger audit trail.
func (m *Meter) Transactions(accountID string) ([]CreditTransaction, error) {
	state, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	return state.ledger.Transactions(), nil
}

// MaxBatchSize returns the account's plan batch ceiling.
func (m *Meter) MaxBatchSize(accountID string) (int, error) {
	state, err := m.account(accountID)
	if err != nil {
		return 0, err
	}
	return m.config.Plans[m.planOf(state)].MaxBatchSize, nil
}

func (m *Meter) account(accountID string) (*accountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return state, nil
}

func (m *Meter) planOf(state *accountState) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return state.plan
}

// persist writes post-mutation snapshots to the configured store.
// Failures are logged, never surfaced; the core guarantees snapshot
// completeness, not durability.
func (m *Meter) persist(ctx context.Context, accountID string) {
	if m.store == nil {
		return
	}

	state, err := m.account(accountID)
	if err != nil {
		return
	}

	start := time.Now()
	err = m.store.SaveQuota(ctx, state.quota.Snapshot())
	m.metrics.RecordStoreOperation("save_quota", time.Since(start), err)
	if err != nil {
		m.logger.Warn("quota snapshot save failed",
			Field{Key: "account_id", Value: accountID},
			Field{Key: "error", Value: err.Error()},
		)
	}

	start = time.Now()
	err = m.store.SaveLedger(ctx, state.ledger.Snapshot())
	m.metrics.RecordStoreOperation("save_ledger", time.Since(start), err)
	if err != nil {
		m.logger.Warn("ledger snapshot save failed",
			Field{Key: "account_id", Value: accountID},
			Field{Key: "error", Value: err.Error()},
		)
	}

	start = time.Now()
	err = m.store.SaveRateLimits(ctx, m.limiter.Snapshot())
	m.metrics.RecordStoreOperation("save_rate_limits", time.Since(start), err)
	if err != nil {
		m.logger.Warn("rate limit snapshot save failed",
			Field{Key: "error", Value: err.Error()},
		)
	}
}
