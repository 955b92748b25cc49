package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/hooks"
	"github.com/yaotools/toolmeter/internal/ledger"
	"github.com/yaotools/toolmeter/internal/openai"
	"github.com/yaotools/toolmeter/internal/userstore"
)

// DefaultTimeout bounds one inference call.
const DefaultTimeout = 60 * time.Second

// Options configures a Service.
type Options struct {
	Timeout    time.Duration
	Logger     *log.Logger
	Hooks      *hooks.Dispatcher
	Recorder   Recorder
	Gate       Gate
	GateToolID string
}

// Service runs paid chat exchanges.
type Service struct {
	store    Store
	models   Models
	resolver Resolver
	timeout  time.Duration
	logger   *log.Logger
	hooks    *hooks.Dispatcher
	recorder Recorder
	gate     Gate
	gateTool string
}

// NewService wires a Service.
func NewService(store Store, models Models, resolver Resolver, opts Options) *Service {
	s := &Service{
		store:    store,
		models:   models,
		resolver: resolver,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		hooks:    opts.Hooks,
		recorder: opts.Recorder,
		gate:     opts.Gate,
		gateTool: opts.GateToolID,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Send runs a buffered exchange. On an inference failure the returned message
// carries the error text as its response, the use is refunded and the
// classified error is returned alongside.
func (s *Service) Send(ctx context.Context, account *ledger.Account, req Request) (*Message, error) {
	return s.run(ctx, account, req, "buffered", func(ctx context.Context, client adapter.StreamingChatAdapter, creq openai.ChatCompletionRequest) (string, int, error) {
		resp, err := client.CreateCompletion(ctx, creq)
		if err != nil {
			return "", 0, err
		}
		content, ok := resp.FirstContent()
		if !ok || content == "" {
			return "", 0, &adapter.Error{Kind: adapter.KindMalformed, Err: errors.New("missing content")}
		}
		return content, resp.Usage.TotalTokens, nil
	})
}

// SendStreaming runs a streamed exchange, calling onDelta with the cumulative
// text and the new fragment as they arrive.
func (s *Service) SendStreaming(ctx context.Context, account *ledger.Account, req Request, onDelta func(text, delta string)) (*Message, error) {
	return s.run(ctx, account, req, "stream", func(ctx context.Context, client adapter.StreamingChatAdapter, creq openai.ChatCompletionRequest) (string, int, error) {
		creq.Stream = true
		events, err := client.CreateCompletionStream(ctx, creq)
		if err != nil {
			return "", 0, err
		}
		for ev := range events {
			switch {
			case ev.IsError():
				return "", 0, ev.Error
			case ev.IsDone():
				if ev.Text == "" {
					return "", 0, &adapter.Error{Kind: adapter.KindEmpty}
				}
				return ev.Text, 0, nil
			default:
				if onDelta != nil {
					onDelta(ev.Text, ev.Delta)
				}
			}
		}
		// closed without a terminal event; partial text is discarded
		if err := ctx.Err(); err != nil {
			return "", 0, &adapter.Error{Kind: adapter.KindTransport, Err: err}
		}
		return "", 0, &adapter.Error{Kind: adapter.KindTransport, Err: errors.New("stream closed before completion")}
	})
}

type dispatchFunc func(ctx context.Context, client adapter.StreamingChatAdapter, req openai.ChatCompletionRequest) (string, int, error)

func (s *Service) run(ctx context.Context, account *ledger.Account, req Request, mode string, dispatch dispatchFunc) (*Message, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if account == nil {
		return nil, ledger.ErrAccountNotFound
	}
	userID := account.UserID()

	if s.gate != nil && s.gateTool != "" && !s.gate.IsActive(req.TabSession, userID, s.gateTool) {
		return nil, ErrNotActivated
	}
	model, err := s.resolveModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	client, err := s.resolver.Resolve(*model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	charge, err := account.Charge(ctx, ledger.ReasonInference)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:          uuid.NewString(),
		UserID:      userID,
		ModelID:     model.ID,
		UserMessage: text,
		Pending:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, *msg); err != nil {
		s.compensate(ctx, charge, userID, "persist")
		return nil, fmt.Errorf("chat: create message: %w", err)
	}

	temperature := model.EffectiveTemperature()
	creq := openai.ChatCompletionRequest{
		Model:       model.ModelName,
		Messages:    []openai.ChatMessage{{Role: "user", Content: text}},
		MaxTokens:   model.EffectiveMaxTokens(),
		Temperature: &temperature,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	started := time.Now()
	response, tokens, callErr := dispatch(callCtx, client, creq)
	cancel()
	elapsed := time.Since(started)

	// finalize even when the caller went away
	finalCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		kind := adapter.KindOf(callErr)
		if kind == "" {
			kind = adapter.KindTransport
		}
		s.record(mode, string(kind), elapsed)
		s.logf("[chat] inference failed user=%s model=%s kind=%s: %v", userID, model.ModelName, kind, callErr)
		s.compensate(finalCtx, charge, userID, string(kind))
		msg.AIResponse = adapter.UserMessage(callErr)
		msg.Failed = true
	} else {
		charge.Commit()
		s.record(mode, "ok", elapsed)
		if tr, ok := s.recorder.(interface{ RecordTokens(int) }); ok {
			tr.RecordTokens(tokens)
		}
		msg.AIResponse = response
		msg.TokensUsed = tokens
	}
	msg.Pending = false
	msg.UpdatedAt = time.Now().UTC()
	if err := s.store.Finalize(finalCtx, msg.ID, msg.AIResponse, msg.TokensUsed, msg.Failed); err != nil {
		s.logf("[chat] finalize message %s failed: %v", msg.ID, err)
	}
	return msg, callErr
}

func (s *Service) resolveModel(ctx context.Context, id string) (*userstore.AIModel, error) {
	var model *userstore.AIModel
	var err error
	if id != "" {
		model, err = s.models.GetModel(ctx, id)
	} else {
		model, err = s.models.DefaultModel(ctx)
	}
	if errors.Is(err, userstore.ErrNotFound) {
		return nil, ErrModelUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load model: %w", err)
	}
	if !model.IsActive {
		return nil, ErrModelUnavailable
	}
	return model, nil
}

func (s *Service) compensate(ctx context.Context, charge *ledger.Charge, userID, cause string) {
	balance, err := charge.Refund(ctx)
	if err != nil {
		s.hooks.Publish(hooks.NewEvent(hooks.EventCompensationFailed, userID, map[string]any{
			"charge_id": charge.ID(),
			"cause":     cause,
			"error":     err.Error(),
		}))
		return
	}
	s.hooks.Publish(hooks.NewEvent(hooks.EventUsageCompensated, userID, map[string]any{
		"charge_id":   charge.ID(),
		"cause":       cause,
		"new_balance": balance,
	}))
}

// History returns the user's most recent messages, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Message, error) {
	return s.store.ListRecent(ctx, userID, limit)
}

// Clear deletes the user's history.
func (s *Service) Clear(ctx context.Context, userID string) (int64, error) {
	return s.store.Clear(ctx, userID)
}

func (s *Service) record(mode, outcome string, elapsed time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordInference(mode, outcome, elapsed)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
