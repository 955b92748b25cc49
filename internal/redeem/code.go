// Package redeem consumes one-time redemption codes and credits the ledger.
package redeem

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Unlimited marks a code that tops the balance up by the configured
// unlimited credit instead of a fixed amount.
const Unlimited int64 = -1

var (
	// ErrInvalidOrUsed is returned for unknown codes and for codes already
	// claimed. Both cases look the same to the caller.
	ErrInvalidOrUsed = errors.New("redeem: code invalid or already used")
	// ErrEmptyCode is returned for a blank code.
	ErrEmptyCode = errors.New("redeem: code required")
	// ErrDuplicateCode is returned by Store.Create when the code exists.
	ErrDuplicateCode = errors.New("redeem: code already exists")
	// ErrCodeBurned marks a claimed code whose credit was not applied.
	ErrCodeBurned = errors.New("redeem: code claimed but credit failed")
)

// Code is a redemption code row.
type Code struct {
	Code      string
	Uses      int64
	IsUsed    bool
	UsedBy    string
	UsedAt    *time.Time
	CreatedBy string
	CreatedAt time.Time
}

// Unlimited reports whether the code carries the unlimited marker.
func (c Code) Unlimited() bool { return c.Uses == Unlimited }

// Filter selects codes for listing. A nil Used lists both states.
type Filter struct {
	Used  *bool
	Limit int
}

// Store persists redemption codes.
type Store interface {
	Create(ctx context.Context, code Code) error
	// Claim marks an unused code as used by userID in one conditional
	// write and returns the claimed row. Unknown or used codes yield
	// ErrInvalidOrUsed.
	Claim(ctx context.Context, code, userID string, at time.Time) (*Code, error)
	Get(ctx context.Context, code string) (*Code, error)
	List(ctx context.Context, filter Filter) ([]Code, error)
	Close() error
}

// Normalize trims and upper-cases a user-entered code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// BurnedError reports a code that was claimed while the balance credit
// failed. The code stays used; an operator has to credit the user by hand.
type BurnedError struct {
	Code   string
	UserID string
	Uses   int64
	Err    error
}

func (e *BurnedError) Error() string {
	return "redeem: code " + e.Code + " burned for user " + e.UserID + ": " + e.Err.Error()
}

// Unwrap exposes both ErrCodeBurned and the credit failure.
func (e *BurnedError) Unwrap() []error { return []error{ErrCodeBurned, e.Err} }
