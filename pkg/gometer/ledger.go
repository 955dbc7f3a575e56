package gometer

import (
	"sync"
	"time"
)

// CreditLedgerConfig configures a CreditLedger.
type CreditLedgerConfig struct {
	AccountID string

	// BonusValidity is how long a bonus grant stays spendable
	// (default: 30 days). Each bonus add extends the expiry.
	BonusValidity time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics)
	Metrics Metrics
}

// CreditLedger tracks a spendable balance of purchased and time-limited
// bonus credits for one account, with an immutable append-only
// transaction history. Bonus credits are always drained before
// purchased credits.
type CreditLedger struct {
	mu sync.Mutex

	accountID      string
	balance        int
	bonusBalance   int
	bonusExpiresAt time.Time
	bonusValidity  time.Duration

	totalPurchased int
	totalUsed      int
	totalBonus     int

	transactions []CreditTransaction
	byIdemKey    map[string]int // idempotency key -> transactions index
	nextID       int64

	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewCreditLedger creates a credit ledger for one account.
func NewCreditLedger(config CreditLedgerConfig) *CreditLedger {
	if config.BonusValidity <= 0 {
		config.BonusValidity = 30 * 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &CreditLedger{
		accountID:     config.AccountID,
		bonusValidity: config.BonusValidity,
		byIdemKey:     make(map[string]int),
		nextID:        1,
		logger:        config.Logger,
		metrics:       config.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Use draws n credits, bonus balance first, then purchased balance.
// It fails without mutating anything when n exceeds the effective
// total. On success exactly one transaction is appended and returned.
func (l *CreditLedger) Use(n int, opts ...ConsumeOption) (*CreditTransaction, error) {
	if n < 0 {
		return nil, ErrInvalidAmount
	}

	options := applyConsumeOptions(opts)

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx, ok := l.replayLocked(options.IdempotencyKey); ok {
		return tx, nil
	}

	now := l.now()
	l.reconcileBonusLocked(now)

	total := l.balance + l.bonusBalance
	if n > total {
		return nil, &InsufficientCreditsError{Requested: n, Available: total}
	}

	fromBonus := n
	if fromBonus > l.bonusBalance {
		fromBonus = l.bonusBalance
	}
	l.bonusBalance -= fromBonus
	l.balance -= n - fromBonus
	l.totalUsed += n

	tx := l.appendLocked(-n, TransactionUsage, now, options.IdempotencyKey)
	l.metrics.RecordCreditOperation(TransactionUsage, n)
	return tx, nil
}

// Add credits n units. Bonus adds extend the bonus expiry by the
// configured validity from now.
func (l *CreditLedger) Add(n int, bonus bool, opts ...ConsumeOption) (*CreditTransaction, error) {
	if n < 0 {
		return nil, ErrInvalidAmount
	}

	options := applyConsumeOptions(opts)

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx, ok := l.replayLocked(options.IdempotencyKey); ok {
		return tx, nil
	}

	now := l.now()
	l.reconcileBonusLocked(now)

	kind := TransactionPurchase
	if bonus {
		kind = TransactionBonus
		l.bonusBalance += n
		l.bonusExpiresAt = now.Add(l.bonusValidity)
		l.totalBonus += n
	} else {
		l.balance += n
		l.totalPurchased += n
	}

	tx := l.appendLocked(n, kind, now, options.IdempotencyKey)
	l.metrics.RecordCreditOperation(kind, n)
	return tx, nil
}

// Refund returns n previously used credits to the purchased balance.
func (l *CreditLedger) Refund(n int, opts ...ConsumeOption) (*CreditTransaction, error) {
	if n < 0 {
		return nil, ErrInvalidAmount
	}

	options := applyConsumeOptions(opts)

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx, ok := l.replayLocked(options.IdempotencyKey); ok {
		return tx, nil
	}

	now := l.now()
	l.reconcileBonusLocked(now)

	l.balance += n
	l.totalUsed -= n
	if l.totalUsed < 0 {
		l.totalUsed = 0
	}

	tx := l.appendLocked(n, TransactionRefund, now, options.IdempotencyKey)
	l.metrics.RecordCreditOperation(TransactionRefund, n)
	return tx, nil
}

// Balance returns the current balances. An expired bonus reads as zero
// even before a mutating call reconciles the stored value.
func (l *CreditLedger) Balance() CreditBalance {
	l.mu.Lock()
	defer l.mu.Unlock()

	bonus := l.bonusBalance
	if bonus > 0 && !l.bonusExpiresAt.IsZero() && !l.now().Before(l.bonusExpiresAt) {
		bonus = 0
	}

	return CreditBalance{
		Balance:        l.balance,
		Bonus:          bonus,
		Total:          l.balance + bonus,
		BonusExpiresAt: l.bonusExpiresAt,
		TotalPurchased: l.totalPurchased,
		TotalUsed:      l.totalUsed,
		TotalBonus:     l.totalBonus,
	}
}

// Transactions returns a copy of the full audit trail in append order.
func (l *CreditLedger) Transactions() []CreditTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]CreditTransaction, len(l.transactions))
	copy(out, l.transactions)
	return out
}

// LedgerSnapshot is the complete post-mutation state of a ledger,
// exposed for the surrounding persistence layer.
type LedgerSnapshot struct {
	AccountID      string              `json:"account_id"`
	Balance        int                 `json:"balance"`
	BonusBalance   int                 `json:"bonus_balance"`
	BonusExpiresAt time.Time           `json:"bonus_expires_at"`
	TotalPurchased int                 `json:"total_purchased"`
	TotalUsed      int                 `json:"total_used"`
	TotalBonus     int                 `json:"total_bonus"`
	Transactions   []CreditTransaction `json:"transactions"`
}

// Snapshot returns the ledger's complete state including history.
func (l *CreditLedger) Snapshot() *LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs := make([]CreditTransaction, len(l.transactions))
	copy(txs, l.transactions)

	return &LedgerSnapshot{
		AccountID:      l.accountID,
		Balance:        l.balance,
		BonusBalance:   l.bonusBalance,
		BonusExpiresAt: l.bonusExpiresAt,
		TotalPurchased: l.totalPurchased,
		TotalUsed:      l.totalUsed,
		TotalBonus:     l.totalBonus,
		Transactions:   txs,
	}
}

// Restore replaces the ledger's state with a previously taken snapshot.
func (l *CreditLedger) Restore(snap *LedgerSnapshot) {
	if snap == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.accountID = snap.AccountID
	l.balance = snap.Balance
	l.bonusBalance = snap.BonusBalance
	l.bonusExpiresAt = snap.BonusExpiresAt
	l.totalPurchased = snap.TotalPurchased
	l.totalUsed = snap.TotalUsed
	l.totalBonus = snap.TotalBonus

	l.transactions = make([]CreditTransaction, len(snap.Transactions))
	copy(l.transactions, snap.Transactions)

	l.byIdemKey = make(map[string]int, len(l.transactions))
	l.nextID = 1
	for i, tx := range l.transactions {
		if tx.IdempotencyKey != "" {
			l.byIdemKey[tx.IdempotencyKey] = i
		}
		if tx.ID >= l.nextID {
			l.nextID = tx.ID + 1
		}
	}
}

// reconcileBonusLocked zeroes the stored bonus once expired. Caller
// holds l.mu. Reads treat expired bonus as zero without this; the next
// mutating operation lands here and reconciles the stored value.
func (l *CreditLedger) reconcileBonusLocked(now time.Time) {
	if l.bonusBalance > 0 && !l.bonusExpiresAt.IsZero() && !now.Before(l.bonusExpiresAt) {
		expired := l.bonusBalance
		l.bonusBalance = 0
		l.logger.Debug("bonus credits expired",
			Field{Key: "account_id", Value: l.accountID},
			Field{Key: "expired", Value: expired},
		)
	}
}

// appendLocked records one immutable transaction. Caller holds l.mu
// and has already applied the balance mutation.
func (l *CreditLedger) appendLocked(amount int, kind TransactionKind, now time.Time, idemKey string) *CreditTransaction {
	tx := CreditTransaction{
		ID:             l.nextID,
		Amount:         amount,
		BalanceAfter:   l.balance + l.bonusBalance,
		Kind:           kind,
		Timestamp:      now,
		IdempotencyKey: idemKey,
	}
	l.nextID++
	l.transactions = append(l.transactions, tx)
	if idemKey != "" {
		l.byIdemKey[idemKey] = len(l.transactions) - 1
	}
	return &tx
}

// replayLocked returns the original transaction for a previously seen
// idempotency key. Caller holds l.mu.
func (l *CreditLedger) replayLocked(idemKey string) (*CreditTransaction, bool) {
	if idemKey == "" {
		return nil, false
	}
	idx, ok := l.byIdemKey[idemKey]
	if !ok {
		return nil, false
	}
	tx := l.transactions[idx]
	return &tx, true
}

func applyConsumeOptions(opts []ConsumeOption) ConsumeOptions {
	var options ConsumeOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
