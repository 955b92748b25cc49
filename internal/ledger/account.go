package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// DefaultInitialBalance is granted to accounts on first use.
const DefaultInitialBalance = 10

// Recorder receives ledger outcomes for metrics.
type Recorder interface {
	RecordLedger(direction Direction, reason Reason, outcome string)
}

// Options configures a Ledger.
type Options struct {
	InitialBalance int64
	Logger         *log.Logger
	Recorder       Recorder
}

// Ledger hands out per-user accounts over a Store.
type Ledger struct {
	store    Store
	initial  int64
	logger   *log.Logger
	recorder Recorder
}

// New wraps store. A zero InitialBalance uses DefaultInitialBalance; use a
// negative value to start accounts empty.
func New(store Store, opts Options) *Ledger {
	initial := opts.InitialBalance
	switch {
	case initial == 0:
		initial = DefaultInitialBalance
	case initial < 0:
		initial = 0
	}
	return &Ledger{store: store, initial: initial, logger: opts.Logger, recorder: opts.Recorder}
}

// Store exposes the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Account reads the user's balance once and returns a handle that caches it.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrAccountNotFound
	}
	balance, err := l.store.EnsureAccount(ctx, userID, l.initial)
	if err != nil {
		return nil, fmt.Errorf("ledger: load account: %w", err)
	}
	return &Account{ledger: l, userID: userID, balance: balance}, nil
}

// Grant credits amount uses to userID outside of any account handle.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int64, reference, memo string) (int64, error) {
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Credit(ctx, amount, ReasonGrant, reference, memo)
}

// History returns the most recent journal entries for userID.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	return l.store.ListRecent(ctx, userID, limit)
}

func (l *Ledger) record(direction Direction, reason Reason, outcome string) {
	if l.recorder != nil {
		l.recorder.RecordLedger(direction, reason, outcome)
	}
}

func (l *Ledger) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

// Account is a client-side view of one user's balance. The cached balance is
// only updated after the store confirms a write.
type Account struct {
	ledger  *Ledger
	userID  string
	mu      sync.Mutex
	balance int64
}

// UserID returns the account owner.
func (a *Account) UserID() string { return a.userID }

// Balance returns the cached balance.
func (a *Account) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// CanSpend reports whether the cached balance covers amount.
func (a *Account) CanSpend(amount int64) bool {
	return a.Balance() >= amount && amount > 0
}

// Refresh re-reads the balance from the store.
func (a *Account) Refresh(ctx context.Context) (int64, error) {
	balance, err := a.ledger.store.Balance(ctx, a.userID)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.balance = balance
	a.mu.Unlock()
	return balance, nil
}

// Debit subtracts amount. It refuses without writing when the cached balance
// is too low. A store-side refusal (another session spent the uses first)
// refreshes the cache and returns ErrInsufficientBalance.
func (a *Account) Debit(ctx context.Context, amount int64, reason Reason, reference string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance < amount {
		a.ledger.record(DirectionDebit, reason, "insufficient")
		return a.balance, ErrInsufficientBalance
	}
	balance, err := a.ledger.store.Debit(ctx, Mutation{UserID: a.userID, Amount: amount, Reason: reason, Reference: reference})
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		if current, rerr := a.ledger.store.Balance(ctx, a.userID); rerr == nil {
			a.balance = current
		}
		a.ledger.record(DirectionDebit, reason, "insufficient")
		return a.balance, ErrInsufficientBalance
	case err != nil:
		a.ledger.record(DirectionDebit, reason, "error")
		return a.balance, writeError("debit", err)
	}
	a.balance = balance
	a.ledger.record(DirectionDebit, reason, "ok")
	return balance, nil
}

// Credit adds amount uses.
func (a *Account) Credit(ctx context.Context, amount int64, reason Reason, reference, memo string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	balance, err := a.ledger.store.Credit(ctx, Mutation{UserID: a.userID, Amount: amount, Reason: reason, Reference: reference, Memo: memo})
	if err != nil {
		a.ledger.record(DirectionCredit, reason, "error")
		return a.balance, writeError("credit", err)
	}
	a.balance = balance
	a.ledger.record(DirectionCredit, reason, "ok")
	return balance, nil
}

// Charge debits one use for a paid operation and returns the handle used to
// settle it.
func (a *Account) Charge(ctx context.Context, reason Reason) (*Charge, error) {
	op := uuid.NewString()
	if _, err := a.Debit(ctx, 1, reason, "charge:"+op); err != nil {
		return nil, err
	}
	return &Charge{account: a, op: op, reason: reason, amount: 1}, nil
}

func writeError(op string, err error) error {
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrLedgerWrite) {
		return err
	}
	return fmt.Errorf("ledger: %s: %w: %w", op, ErrLedgerWrite, err)
}

type chargeState int

const (
	chargeOpen chargeState = iota
	chargeCommitted
	chargeRefunded
)

// Charge is an outstanding debit. It ends either committed or refunded; a
// refund credits the use back at most once.
type Charge struct {
	account *Account
	op      string
	reason  Reason
	amount  int64

	mu    sync.Mutex
	state chargeState
}

// ID identifies the charge in journal references.
func (c *Charge) ID() string { return c.op }

// Commit marks the paid operation as successful. Refund becomes a no-op.
func (c *Charge) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == chargeOpen {
		c.state = chargeCommitted
	}
}

// Refund issues the compensating credit. Calls after a successful refund or
// a commit do nothing. A failed refund may be retried; the store discards
// duplicates by reference.
func (c *Charge) Refund(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != chargeOpen {
		return c.account.Balance(), nil
	}
	balance, err := c.account.Credit(ctx, c.amount, ReasonCompensation, "refund:"+c.op, string(c.reason))
	if err != nil {
		c.account.ledger.logf("[ledger] compensation failed user=%s op=%s: %v", c.account.userID, c.op, err)
		return balance, err
	}
	c.state = chargeRefunded
	return balance, nil
}

// Settled reports whether the charge was committed or refunded.
func (c *Charge) Settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != chargeOpen
}
