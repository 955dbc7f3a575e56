package gometer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/gometer/pkg/gometer"
	"github.com/mihaimyh/gometer/store/memory"
)

func newTestMeter(t *testing.T, store gometer.Store) *gometer.Meter {
	t.Helper()

	meter, err := gometer.NewMeter(gometer.MeterConfig{
		Plans: map[string]gometer.PlanConfig{
			"explorer": {
				Name:               "explorer",
				MonthlyLimit:       50,
				DailyLimit:         10,
				RateLimitPerMinute: 5,
				MaxBatchSize:       3,
			},
			"scholar": {
				Name:               "scholar",
				MonthlyLimit:       500,
				DailyLimit:         100,
				RateLimitPerMinute: 60,
				MaxBatchSize:       25,
			},
		},
		DefaultPlan: "explorer",
		Retry: gometer.RetryPolicy{
			Strategy:   gometer.StrategyFixed,
			BaseDelay:  time.Millisecond,
			MaxRetries: 2,
		},
		Store: store,
	})
	if err != nil {
		t.Fatalf("NewMeter failed: %v", err)
	}
	t.Cleanup(meter.Close)
	return meter
}

func TestNewMeter_Validation(t *testing.T) {
	_, err := gometer.NewMeter(gometer.MeterConfig{})
	if !errors.Is(err, gometer.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for empty plans, got %v", err)
	}

	_, err = gometer.NewMeter(gometer.MeterConfig{
		Plans:       map[string]gometer.PlanConfig{"a": {}},
		DefaultPlan: "missing",
	})
	if !errors.Is(err, gometer.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for undefined default plan, got %v", err)
	}
}

func TestMeter_GenerateHappyPath(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 10, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	calls := 0
	err := meter.Generate(ctx, "user1", 2, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one generation call, got %d", calls)
	}

	remaining, err := meter.Remaining("user1")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining.Daily != 8 {
		t.Errorf("expected daily remaining 8, got %d", remaining.Daily)
	}

	balance, err := meter.Balance("user1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance.Total != 8 {
		t.Errorf("expected credit total 8, got %d", balance.Total)
	}
}

func TestMeter_UnknownAccount(t *testing.T) {
	meter := newTestMeter(t, nil)

	_, err := meter.Admit(context.Background(), "ghost", 1)
	if !errors.Is(err, gometer.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestMeter_QuotaRejectedBeforeExternalCall(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 1000, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	// Daily limit is 10
	err := meter.Generate(ctx, "user1", 11, func(ctx context.Context) error {
		t.Fatal("generation must not run when admission fails")
		return nil
	})

	var quotaErr *gometer.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.Period != gometer.PeriodTypeDaily {
		t.Errorf("expected daily boundary, got %s", quotaErr.Period)
	}
}

func TestMeter_RateLimitRejected(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}

	// Zero-cost admissions only exercise quota and rate limit.
	// Plan allows 5 per minute.
	for i := 0; i < 5; i++ {
		reservation, err := meter.Admit(ctx, "user1", 0)
		if err != nil {
			t.Fatalf("Admit %d failed: %v", i+1, err)
		}
		reservation.Commit(ctx)
	}

	_, err := meter.Admit(ctx, "user1", 0)
	var rateErr *gometer.RateLimitExceededError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitExceededError, got %v", err)
	}
	if rateErr.Key != "user1" || rateErr.Limit != 5 {
		t.Errorf("unexpected error fields: %+v", rateErr)
	}
	if rateErr.RetryAfter <= 0 {
		t.Errorf("expected positive retry_after, got %v", rateErr.RetryAfter)
	}
}

func TestMeter_InsufficientCredits(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 3, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	_, err := meter.Admit(ctx, "user1", 4)
	var credErr *gometer.InsufficientCreditsError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if credErr.Requested != 4 || credErr.Available != 3 {
		t.Errorf("unexpected error fields: %+v", credErr)
	}
}

func TestMeter_FailedGenerationRollsBack(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 10, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	calls := 0
	err := meter.Generate(ctx, "user1", 2, func(ctx context.Context) error {
		calls++
		return &gometer.GenerationError{Kind: gometer.GenerationPermanent, Err: errors.New("rejected")}
	})
	if err == nil {
		t.Fatal("expected Generate to fail")
	}
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", calls)
	}

	// Reservation was rolled back: quota and credits restored
	remaining, _ := meter.Remaining("user1")
	if remaining.Daily != 10 {
		t.Errorf("expected daily remaining 10 after rollback, got %d", remaining.Daily)
	}
	balance, _ := meter.Balance("user1")
	if balance.Total != 10 {
		t.Errorf("expected credit total 10 after rollback, got %d", balance.Total)
	}

	// The audit trail shows the reserve and the compensating refund
	txs, _ := meter.Transactions("user1")
	if len(txs) != 3 {
		t.Fatalf("expected purchase+usage+refund transactions, got %d", len(txs))
	}
	if txs[1].Kind != gometer.TransactionUsage || txs[2].Kind != gometer.TransactionRefund {
		t.Errorf("unexpected transaction kinds: %s, %s", txs[1].Kind, txs[2].Kind)
	}
}

func TestMeter_TransientFailureRetriedWithoutDoubleCharge(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 10, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	calls := 0
	err := meter.Generate(ctx, "user1", 2, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("upstream timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	// Charged exactly once despite the retries
	balance, _ := meter.Balance("user1")
	if balance.Total != 8 {
		t.Errorf("expected credit total 8, got %d", balance.Total)
	}
	remaining, _ := meter.Remaining("user1")
	if remaining.Daily != 8 {
		t.Errorf("expected daily remaining 8, got %d", remaining.Daily)
	}
}

func TestMeter_SetPlanPreservesUsage(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}

	reservation, err := meter.Admit(ctx, "user1", 0)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	reservation.Commit(ctx)

	if err := meter.SetPlan("user1", "scholar"); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}

	remaining, _ := meter.Remaining("user1")
	if remaining.Daily != 100 {
		t.Errorf("expected scholar daily remaining 100, got %d", remaining.Daily)
	}

	size, err := meter.MaxBatchSize("user1")
	if err != nil {
		t.Fatalf("MaxBatchSize failed: %v", err)
	}
	if size != 25 {
		t.Errorf("expected scholar batch size 25, got %d", size)
	}

	if err := meter.SetPlan("user1", "nope"); !errors.Is(err, gometer.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown plan, got %v", err)
	}
}

func TestMeter_PersistAndRestore(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	meter := newTestMeter(t, store)
	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 10, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	if err := meter.Generate(ctx, "user1", 3, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// A fresh meter over the same store restores account state
	restored := newTestMeter(t, store)
	if err := restored.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount on restored meter failed: %v", err)
	}

	balance, err := restored.Balance("user1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance.Total != 7 {
		t.Errorf("expected restored credit total 7, got %d", balance.Total)
	}

	remaining, err := restored.Remaining("user1")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining.Daily != 7 {
		t.Errorf("expected restored daily remaining 7, got %d", remaining.Daily)
	}
}

func TestMeter_RegisterTwiceIsNoOp(t *testing.T) {
	meter := newTestMeter(t, nil)
	ctx := context.Background()

	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 5, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	if err := meter.RegisterAccount(ctx, "user1", "scholar"); err != nil {
		t.Fatalf("second RegisterAccount failed: %v", err)
	}

	balance, _ := meter.Balance("user1")
	if balance.Total != 5 {
		t.Errorf("re-registration must not reset state, got total %d", balance.Total)
	}
}

func TestMeter_RateLimitStateSurvivesRestart(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	meter := newTestMeter(t, store)
	if err := meter.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}

	// Exhaust the 5-per-minute window; every admission persists state.
	for i := 0; i < 5; i++ {
		reservation, err := meter.Admit(ctx, "user1", 0)
		if err != nil {
			t.Fatalf("Admit %d failed: %v", i+1, err)
		}
		reservation.Commit(ctx)
	}
	if _, err := meter.Admit(ctx, "user1", 0); err == nil {
		t.Fatal("expected the 6th admission to be rate limited")
	}

	// A fresh meter over the same store must remember the window.
	restored := newTestMeter(t, store)
	if err := restored.RegisterAccount(ctx, "user1", "explorer"); err != nil {
		t.Fatalf("RegisterAccount on restored meter failed: %v", err)
	}

	_, err := restored.Admit(ctx, "user1", 0)
	var rateErr *gometer.RateLimitExceededError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected restored meter to reject immediately, got %v", err)
	}
}

// storeOpMetrics records store operation names, passing everything
// else through to the no-op implementation.
type storeOpMetrics struct {
	gometer.NoopMetrics
	ops []string
}

func (m *storeOpMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.ops = append(m.ops, operation)
}

func (m *storeOpMetrics) has(operation string) bool {
	for _, op := range m.ops {
		if op == operation {
			return true
		}
	}
	return false
}

func TestMeter_StoreOperationsAreMeasured(t *testing.T) {
	recorder := &storeOpMetrics{}
	meter, err := gometer.NewMeter(gometer.MeterConfig{
		DefaultPlan: "explorer",
		Plans: map[string]gometer.PlanConfig{
			"explorer": {
				Name:               "explorer",
				MonthlyLimit:       50,
				DailyLimit:         10,
				RateLimitPerMinute: 5,
			},
		},
		Store:   memory.New(),
		Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("NewMeter failed: %v", err)
	}
	defer meter.Close()

	ctx := context.Background()
	if err := meter.RegisterAccount(ctx, "user1", ""); err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if _, err := meter.AddCredits(ctx, "user1", 5, false); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	for _, op := range []string{
		"load_rate_limits", "load_quota", "load_ledger",
		"save_quota", "save_ledger", "save_rate_limits",
	} {
		if !recorder.has(op) {
			t.Errorf("expected store operation %q to be recorded, got %v", op, recorder.ops)
		}
	}
}
