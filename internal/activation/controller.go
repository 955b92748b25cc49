// Package activation gates interactive tool use behind a paid, tab-scoped
// activation.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yaotools/toolmeter/internal/hooks"
	"github.com/yaotools/toolmeter/internal/ledger"
	"github.com/yaotools/toolmeter/internal/userstore"
)

var (
	// ErrActivationInProgress is returned while a debit for the same tool and
	// tab is still in flight.
	ErrActivationInProgress = errors.New("activation: already in progress")
	// ErrRoleRequired is returned when the user's role does not satisfy the
	// tool's required role.
	ErrRoleRequired = errors.New("activation: role not permitted for tool")
	// ErrCancelled is returned when the tab went away while the debit was in
	// flight. The debit has been refunded.
	ErrCancelled = errors.New("activation: cancelled before completion")
)

// State is the activation state of one tool in one tab.
type State int

const (
	Locked State = iota
	Activating
	Active
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Activating:
		return "activating"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger names why an activation ended.
type Trigger string

const (
	TriggerUnload     Trigger = "unload"
	TriggerNavigation Trigger = "navigation"
	TriggerTeardown   Trigger = "teardown"
	TriggerReset      Trigger = "reset"
	TriggerExpired    Trigger = "expired"
)

// ToolCounter bumps a tool's usage counter.
type ToolCounter interface {
	IncrementToolUsage(ctx context.Context, id string) (int64, error)
}

// Recorder receives activation outcomes for metrics.
type Recorder interface {
	RecordActivation(outcome string)
}

// Services are the collaborators shared by every controller. Usage, Tools
// and Hooks only receive fire-and-forget writes.
type Services struct {
	Usage    ledger.UsageLogStore
	Tools    ToolCounter
	Hooks    *hooks.Dispatcher
	Logger   *log.Logger
	Recorder Recorder

	wg sync.WaitGroup
}

// Wait blocks until pending side writes have finished.
func (s *Services) Wait() { s.wg.Wait() }

func (s *Services) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Services) record(outcome string) {
	if s.Recorder != nil {
		s.Recorder.RecordActivation(outcome)
	}
}

// Controller is the state machine for one tool in one tab.
type Controller struct {
	tool userstore.Tool
	svc  *Services

	mu          sync.Mutex
	state       State
	prompt      bool
	generation  uint64
	lease       *Lease
	activatedAt time.Time
}

// NewController returns a Locked controller for tool. A nil svc disables the
// side writes.
func NewController(tool userstore.Tool, svc *Services) *Controller {
	if svc == nil {
		svc = &Services{}
	}
	return &Controller{tool: tool, svc: svc}
}

// Tool returns the gated tool.
func (c *Controller) Tool() userstore.Tool { return c.tool }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActivatedAt returns when the current activation started, zero unless Active.
func (c *Controller) ActivatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return time.Time{}
	}
	return c.activatedAt
}

// PromptVisible reports whether the "contact admin" prompt should show.
func (c *Controller) PromptVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// DismissPrompt hides the prompt.
func (c *Controller) DismissPrompt() {
	c.mu.Lock()
	c.prompt = false
	c.mu.Unlock()
}

// InputBlocked reports whether context-menu and shortcut interception
// applies. It does unless the tool is Active.
func (c *Controller) InputBlocked() bool {
	return c.State() != Active
}

// Activate debits one use from account and moves the tool to Active. The
// returned Lease ends the activation when released. Activating an already
// Active tool returns the current lease without another debit.
func (c *Controller) Activate(ctx context.Context, account *ledger.Account, role userstore.Role) (*Lease, error) {
	c.mu.Lock()
	switch c.state {
	case Active:
		lease := c.lease
		c.mu.Unlock()
		return lease, nil
	case Activating:
		c.mu.Unlock()
		return nil, ErrActivationInProgress
	}
	if !role.Satisfies(c.tool.RequiredRole) {
		c.mu.Unlock()
		c.svc.record("forbidden")
		return nil, ErrRoleRequired
	}
	if account == nil || !account.CanSpend(1) {
		c.prompt = true
		c.mu.Unlock()
		c.svc.record("insufficient")
		return nil, ledger.ErrInsufficientBalance
	}
	c.state = Activating
	gen := c.generation
	c.mu.Unlock()

	charge, err := account.Charge(ctx, ledger.ReasonActivation)

	c.mu.Lock()
	if err != nil {
		if c.generation == gen {
			c.state = Locked
		}
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			c.prompt = true
			c.mu.Unlock()
			c.svc.record("insufficient")
			return nil, err
		}
		c.mu.Unlock()
		c.svc.record("error")
		return nil, err
	}
	if c.generation != gen {
		// deactivated while the debit was in flight
		c.mu.Unlock()
		if _, rerr := charge.Refund(context.WithoutCancel(ctx)); rerr != nil {
			c.svc.logf("[activation] refund after cancel failed user=%s tool=%s: %v", account.UserID(), c.tool.ID, rerr)
		}
		c.svc.record("cancelled")
		return nil, ErrCancelled
	}
	charge.Commit()
	c.generation++
	lease := &Lease{controller: c, generation: c.generation, userID: account.UserID()}
	c.state = Active
	c.prompt = false
	c.lease = lease
	c.activatedAt = time.Now().UTC()
	lease.activatedAt = c.activatedAt
	c.mu.Unlock()

	c.svc.record("ok")
	c.sideWrites(account.UserID())
	return lease, nil
}

// Deactivate forces the tool back to Locked. It returns false when there was
// nothing to end, so repeated calls are no-ops.
func (c *Controller) Deactivate(trigger Trigger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deactivateLocked(trigger)
}

func (c *Controller) deactivateLocked(trigger Trigger) bool {
	switch c.state {
	case Locked:
		return false
	case Activating:
		c.generation++
		c.state = Locked
		return true
	}
	c.generation++
	c.state = Locked
	c.lease = nil
	c.activatedAt = time.Time{}
	c.svc.logf("[activation] tool=%s locked trigger=%s", c.tool.ID, trigger)
	return true
}

func (c *Controller) release(l *Lease) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active || c.generation != l.generation {
		return false
	}
	return c.deactivateLocked(TriggerTeardown)
}

func (c *Controller) sideWrites(userID string) {
	svc := c.svc
	toolID := c.tool.ID
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		svc.Hooks.Publish(hooks.NewEvent(hooks.EventToolActivated, userID, map[string]any{"tool_id": toolID}))
		if svc.Usage != nil {
			if err := svc.Usage.LogUsage(ctx, ledger.UsageLog{UserID: userID, ToolID: toolID, CreatedAt: time.Now().UTC()}); err != nil {
				svc.logf("[activation] usage log failed user=%s tool=%s: %v", userID, toolID, err)
			}
		}
		if svc.Tools != nil {
			count, err := svc.Tools.IncrementToolUsage(ctx, toolID)
			if err != nil {
				svc.logf("[activation] usage count failed tool=%s: %v", toolID, err)
				return
			}
			svc.Hooks.Publish(hooks.NewEvent(hooks.EventToolUsageUpdated, userID, map[string]any{"tool_id": toolID, "usage_count": count}))
		}
	}()
}

// Lease is the scoped token of one activation. Release ends the activation
// it was issued for and is safe to call any number of times; a lease from an
// earlier activation never ends a newer one.
type Lease struct {
	controller  *Controller
	generation  uint64
	userID      string
	activatedAt time.Time
	once        sync.Once
}

// ToolID returns the activated tool.
func (l *Lease) ToolID() string { return l.controller.tool.ID }

// UserID returns the user who paid for the activation.
func (l *Lease) UserID() string { return l.userID }

// ActivatedAt returns when the activation started.
func (l *Lease) ActivatedAt() time.Time { return l.activatedAt }

// Valid reports whether the activation this lease was issued for is still
// Active.
func (l *Lease) Valid() bool {
	c := l.controller
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Active && c.generation == l.generation
}

// Release ends the activation.
func (l *Lease) Release() {
	l.once.Do(func() { l.controller.release(l) })
}
