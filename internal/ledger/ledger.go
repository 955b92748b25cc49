package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientBalance is returned when a debit would take the balance
	// below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrAccountNotFound is returned for operations on a user without an account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrLedgerWrite marks a failed balance write. The balance is unchanged.
	ErrLedgerWrite = errors.New("ledger: write failed")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Direction indicates whether the entry consumed or added uses.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Reason records why a balance changed.
type Reason string

const (
	ReasonActivation   Reason = "activation"
	ReasonInference    Reason = "inference"
	ReasonCompensation Reason = "compensation"
	ReasonRedemption   Reason = "redemption"
	ReasonGrant        Reason = "grant"
)

// Mutation describes one balance change. A non-empty Reference makes the
// mutation idempotent per user and direction: replaying it returns the
// current balance without applying it twice.
type Mutation struct {
	UserID    string
	Amount    int64
	Reason    Reason
	Reference string
	Memo      string
}

// Entry is one journaled balance change.
type Entry struct {
	ID           int64
	UserID       string
	Direction    Direction
	Amount       int64
	Reason       Reason
	Reference    string
	Memo         string
	BalanceAfter int64
	CreatedAt    time.Time
}

// UsageLog is an analytics record of a tool activation.
type UsageLog struct {
	ID        int64
	UserID    string
	ToolID    string
	CreatedAt time.Time
}

// Store persists balances and their journal.
type Store interface {
	// EnsureAccount creates the account with initial uses when missing and
	// returns the current balance.
	EnsureAccount(ctx context.Context, userID string, initial int64) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
	// Debit subtracts m.Amount only if the balance covers it, in one
	// conditional write.
	Debit(ctx context.Context, m Mutation) (int64, error)
	Credit(ctx context.Context, m Mutation) (int64, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}

// UsageLogStore persists tool activation records.
type UsageLogStore interface {
	LogUsage(ctx context.Context, entry UsageLog) error
	ListUsage(ctx context.Context, userID string, limit int) ([]UsageLog, error)
	Close() error
}
