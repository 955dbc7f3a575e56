package gometer

import (
	"errors"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) (*CreditLedger, *time.Time) {
	t.Helper()

	ledger := NewCreditLedger(CreditLedgerConfig{
		AccountID:     "acct1",
		BonusValidity: 7 * 24 * time.Hour,
	})

	current := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return current }
	return ledger, &current
}

func TestCreditLedger_AddAndBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)

	if _, err := ledger.Add(10, false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := ledger.Add(5, true); err != nil {
		t.Fatalf("Add bonus failed: %v", err)
	}

	balance := ledger.Balance()
	if balance.Balance != 10 {
		t.Errorf("expected balance 10, got %d", balance.Balance)
	}
	if balance.Bonus != 5 {
		t.Errorf("expected bonus 5, got %d", balance.Bonus)
	}
	if balance.Total != 15 {
		t.Errorf("expected total 15, got %d", balance.Total)
	}
	if balance.TotalPurchased != 10 || balance.TotalBonus != 5 {
		t.Errorf("unexpected cumulative totals: %+v", balance)
	}
}

func TestCreditLedger_UseDrainsBonusFirst(t *testing.T) {
	// balance=10, bonus=5: use(12) -> bonus=0, balance=3, one tx of -12
	ledger, _ := newTestLedger(t)
	mustAdd(t, ledger, 10, false)
	mustAdd(t, ledger, 5, true)

	tx, err := ledger.Use(12)
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if tx.Amount != -12 {
		t.Errorf("expected amount -12, got %d", tx.Amount)
	}
	if tx.BalanceAfter != 3 {
		t.Errorf("expected balance after 3, got %d", tx.BalanceAfter)
	}
	if tx.Kind != TransactionUsage {
		t.Errorf("expected usage kind, got %s", tx.Kind)
	}

	balance := ledger.Balance()
	if balance.Bonus != 0 {
		t.Errorf("expected bonus 0, got %d", balance.Bonus)
	}
	if balance.Balance != 3 {
		t.Errorf("expected balance 3, got %d", balance.Balance)
	}

	usageTxs := 0
	for _, tr := range ledger.Transactions() {
		if tr.Kind == TransactionUsage {
			usageTxs++
		}
	}
	if usageTxs != 1 {
		t.Errorf("expected exactly one usage transaction, got %d", usageTxs)
	}
}

func TestCreditLedger_OverdrawIsNoOp(t *testing.T) {
	ledger, _ := newTestLedger(t)
	mustAdd(t, ledger, 10, false)

	before := ledger.Balance()
	txCount := len(ledger.Transactions())

	_, err := ledger.Use(11)
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Requested != 11 || insufficient.Available != 10 {
		t.Errorf("unexpected error fields: %+v", insufficient)
	}

	if ledger.Balance() != before {
		t.Error("failed Use must not mutate balances")
	}
	if len(ledger.Transactions()) != txCount {
		t.Error("failed Use must not append a transaction")
	}
}

func TestCreditLedger_BonusExpiry(t *testing.T) {
	ledger, current := newTestLedger(t)
	mustAdd(t, ledger, 10, false)
	mustAdd(t, ledger, 5, true)

	// Past expiry a read treats bonus as zero without erasing it
	*current = current.Add(8 * 24 * time.Hour)
	balance := ledger.Balance()
	if balance.Bonus != 0 {
		t.Errorf("expected expired bonus to read 0, got %d", balance.Bonus)
	}
	if balance.Total != 10 {
		t.Errorf("expected total 10, got %d", balance.Total)
	}
	if ledger.bonusBalance != 5 {
		t.Errorf("stored bonus should remain until a mutation, got %d", ledger.bonusBalance)
	}

	// The next mutating operation reconciles the stored value
	if _, err := ledger.Use(10); err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if ledger.bonusBalance != 0 {
		t.Errorf("expected reconciled bonus 0, got %d", ledger.bonusBalance)
	}
}

func TestCreditLedger_BonusAddExtendsExpiry(t *testing.T) {
	ledger, current := newTestLedger(t)
	mustAdd(t, ledger, 5, true)

	firstExpiry := ledger.Balance().BonusExpiresAt

	*current = current.Add(3 * 24 * time.Hour)
	mustAdd(t, ledger, 5, true)

	secondExpiry := ledger.Balance().BonusExpiresAt
	if !secondExpiry.After(firstExpiry) {
		t.Errorf("expected bonus expiry to extend: %v -> %v", firstExpiry, secondExpiry)
	}
}

func TestCreditLedger_TransactionInvariant(t *testing.T) {
	ledger, _ := newTestLedger(t)

	mustAdd(t, ledger, 20, false)
	mustAdd(t, ledger, 5, true)
	if _, err := ledger.Use(8); err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if _, err := ledger.Refund(3); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	// balance_after is always exactly prior total + amount
	prior := 0
	for _, tx := range ledger.Transactions() {
		if tx.BalanceAfter != prior+tx.Amount {
			t.Errorf("tx %d violates invariant: prior %d + amount %d != after %d",
				tx.ID, prior, tx.Amount, tx.BalanceAfter)
		}
		prior = tx.BalanceAfter
	}
}

func TestCreditLedger_Idempotency(t *testing.T) {
	ledger, _ := newTestLedger(t)

	tx1, err := ledger.Add(10, false, WithIdempotencyKey("topup-1"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	tx2, err := ledger.Add(10, false, WithIdempotencyKey("topup-1"))
	if err != nil {
		t.Fatalf("replayed Add failed: %v", err)
	}

	if tx1.ID != tx2.ID {
		t.Errorf("expected replay to return original transaction, got %d and %d", tx1.ID, tx2.ID)
	}
	if got := ledger.Balance().Balance; got != 10 {
		t.Errorf("expected balance 10 after duplicate add, got %d", got)
	}

	if _, err := ledger.Use(4, WithIdempotencyKey("use-1")); err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if _, err := ledger.Use(4, WithIdempotencyKey("use-1")); err != nil {
		t.Fatalf("replayed Use failed: %v", err)
	}
	if got := ledger.Balance().Balance; got != 6 {
		t.Errorf("expected balance 6 after duplicate use, got %d", got)
	}
}

func TestCreditLedger_SnapshotRoundTrip(t *testing.T) {
	ledger, current := newTestLedger(t)
	mustAdd(t, ledger, 20, false)
	mustAdd(t, ledger, 5, true)
	if _, err := ledger.Use(8, WithIdempotencyKey("use-1")); err != nil {
		t.Fatalf("Use failed: %v", err)
	}

	snap := ledger.Snapshot()

	restored := NewCreditLedger(CreditLedgerConfig{AccountID: "acct1"})
	restored.now = func() time.Time { return *current }
	restored.Restore(snap)

	if restored.Balance() != ledger.Balance() {
		t.Errorf("restored balance %+v != original %+v", restored.Balance(), ledger.Balance())
	}
	if len(restored.Transactions()) != len(ledger.Transactions()) {
		t.Error("restored history length differs")
	}

	// Idempotency keys survive the round trip
	if _, err := restored.Use(8, WithIdempotencyKey("use-1")); err != nil {
		t.Fatalf("replayed Use after restore failed: %v", err)
	}
	if restored.Balance().Total != 17 {
		t.Errorf("expected total 17 after replayed use, got %d", restored.Balance().Total)
	}

	// New transactions continue the ID sequence
	tx, err := restored.Add(1, false)
	if err != nil {
		t.Fatalf("Add after restore failed: %v", err)
	}
	if tx.ID != snap.Transactions[len(snap.Transactions)-1].ID+1 {
		t.Errorf("expected next ID after restore, got %d", tx.ID)
	}
}

func TestCreditLedger_NegativeAmounts(t *testing.T) {
	ledger, _ := newTestLedger(t)

	if _, err := ledger.Use(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount from Use, got %v", err)
	}
	if _, err := ledger.Add(-1, false); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount from Add, got %v", err)
	}
	if _, err := ledger.Refund(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount from Refund, got %v", err)
	}
}

func mustAdd(t *testing.T, ledger *CreditLedger, n int, bonus bool) {
	t.Helper()
	if _, err := ledger.Add(n, bonus); err != nil {
		t.Fatalf("Add(%d, %v) failed: %v", n, bonus, err)
	}
}
