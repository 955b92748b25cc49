package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names the metering transitions exported to hook listeners.
type EventType string

const (
	// EventToolActivated is emitted after a paid activation reaches Active.
	EventToolActivated EventType = "meter.tool.activated"
	// EventToolUsageUpdated is emitted after a tool's usage counter moved.
	EventToolUsageUpdated EventType = "meter.tool.usage_updated"
	// EventCodeRedeemed is emitted after a redemption code credited a balance.
	EventCodeRedeemed EventType = "meter.code.redeemed"
	// EventCodeBurned is emitted when a code was claimed but the credit failed.
	EventCodeBurned EventType = "meter.code.burned"
	// EventUsageCompensated is emitted after a failed paid call was refunded.
	EventUsageCompensated EventType = "meter.usage.compensated"
	// EventCompensationFailed is emitted when the refund write itself failed.
	EventCompensationFailed EventType = "meter.compensation.failed"
)

// Event envelopes the payload broadcast to hook listeners.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	UserID     string
	ActorID    string
	Metadata   map[string]any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(eventType EventType, userID string, metadata map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		ActorID:    userID,
		Metadata:   metadata,
	}
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher coordinates handler registration and event fan-out. A nil
// Dispatcher drops every event.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *log.Logger
	wg       sync.WaitGroup
}

// SetLogger sets where Publish reports handler failures.
func (d *Dispatcher) SetLogger(logger *log.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

// Register adds a handler. Handlers fire sequentially in registration order.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Emit delivers an event to all registered handlers and joins their errors.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish emits in the background. Failures are logged, never returned.
func (d *Dispatcher) Publish(event Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	empty := len(d.handlers) == 0
	logger := d.logger
	d.mu.RUnlock()
	if empty {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Emit(context.Background(), event); err != nil && logger != nil {
			logger.Printf("[hooks] %s event=%s failed: %v", event.Type, event.ID, err)
		}
	}()
}

// Wait blocks until background publishes have finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// ScriptConfig describes how to invoke an external command when events fire.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// MarshalEvent converts an Event into the wire format presented to scripts.
var MarshalEvent = JSONMarshaler

// NewScriptHandler returns a Handler that pipes the marshalled event to a
// configured executable via STDIN.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}

		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", key, val))
			}
			cmd.Env = env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("hooks: command %s failed: %w", evt.Type, err)
		}
		return nil
	}
}

// JSONMarshaler serialises the event into a stable JSON envelope.
func JSONMarshaler(evt Event) ([]byte, error) {
	envelope := struct {
		ID         string         `json:"id"`
		Type       EventType      `json:"type"`
		OccurredAt time.Time      `json:"occurred_at"`
		UserID     string         `json:"user_id"`
		ActorID    string         `json:"actor_id"`
		Metadata   map[string]any `json:"metadata"`
	}{
		ID:         evt.ID,
		Type:       evt.Type,
		OccurredAt: evt.OccurredAt,
		UserID:     evt.UserID,
		ActorID:    evt.ActorID,
		Metadata:   evt.Metadata,
	}
	return json.Marshal(envelope)
}
