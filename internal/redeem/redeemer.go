package redeem

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yaotools/toolmeter/internal/hooks"
	"github.com/yaotools/toolmeter/internal/ledger"
)

// DefaultUnlimitedCredit is added to the balance by an unlimited code.
const DefaultUnlimitedCredit int64 = 999

// Recorder receives redemption outcomes for metrics.
type Recorder interface {
	RecordRedeem(outcome string)
}

// Options configures a Redeemer.
type Options struct {
	UnlimitedCredit int64
	Logger          *log.Logger
	Hooks           *hooks.Dispatcher
	Recorder        Recorder
	Now             func() time.Time
}

// Result describes a successful redemption.
type Result struct {
	Code       string
	Added      int64
	NewBalance int64
	Unlimited  bool
}

// Redeemer claims codes and credits the claiming account.
type Redeemer struct {
	store     Store
	unlimited int64
	logger    *log.Logger
	hooks     *hooks.Dispatcher
	recorder  Recorder
	now       func() time.Time
}

// NewRedeemer wires a Redeemer over store.
func NewRedeemer(store Store, opts Options) *Redeemer {
	r := &Redeemer{
		store:     store,
		unlimited: opts.UnlimitedCredit,
		logger:    opts.Logger,
		hooks:     opts.Hooks,
		recorder:  opts.Recorder,
		now:       opts.Now,
	}
	if r.unlimited <= 0 {
		r.unlimited = DefaultUnlimitedCredit
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Store exposes the code store.
func (r *Redeemer) Store() Store { return r.store }

// Redeem claims code for account and credits its uses. A code can be claimed
// once; a retry after a successful claim returns ErrInvalidOrUsed. When the
// claim succeeds but the credit does not, the returned error is a
// *BurnedError.
func (r *Redeemer) Redeem(ctx context.Context, code string, account *ledger.Account) (Result, error) {
	code = Normalize(code)
	if code == "" {
		r.record("empty")
		return Result{}, ErrEmptyCode
	}
	if account == nil {
		return Result{}, ledger.ErrAccountNotFound
	}
	userID := account.UserID()

	claimed, err := r.store.Claim(ctx, code, userID, r.now())
	if errors.Is(err, ErrInvalidOrUsed) {
		r.record("invalid")
		return Result{}, ErrInvalidOrUsed
	}
	if err != nil {
		r.record("error")
		return Result{}, fmt.Errorf("redeem: claim: %w", err)
	}

	added := claimed.Uses
	if claimed.Unlimited() {
		added = r.unlimited
	}
	if added <= 0 {
		// nothing to credit; the claim stands
		r.record("ok")
		return Result{Code: code, NewBalance: account.Balance()}, nil
	}

	balance, err := account.Credit(ctx, added, ledger.ReasonRedemption, "redeem:"+code, code)
	if err != nil {
		burned := &BurnedError{Code: code, UserID: userID, Uses: added, Err: err}
		r.logf("[redeem] %v", burned)
		r.record("burned")
		r.hooks.Publish(hooks.NewEvent(hooks.EventCodeBurned, userID, map[string]any{
			"code":  code,
			"uses":  added,
			"error": err.Error(),
		}))
		return Result{}, burned
	}

	r.record("ok")
	r.hooks.Publish(hooks.NewEvent(hooks.EventCodeRedeemed, userID, map[string]any{
		"code":        code,
		"added":       added,
		"unlimited":   claimed.Unlimited(),
		"new_balance": balance,
	}))
	return Result{Code: code, Added: added, NewBalance: balance, Unlimited: claimed.Unlimited()}, nil
}

func (r *Redeemer) record(outcome string) {
	if r.recorder != nil {
		r.recorder.RecordRedeem(outcome)
	}
}

func (r *Redeemer) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
