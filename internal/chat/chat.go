// Package chat brackets paid inference calls: debit before dispatch, commit on
// success, compensate on any failure.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/userstore"
)

var (
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("chat: message required")
	// ErrModelUnavailable is returned when no active model matches.
	ErrModelUnavailable = errors.New("chat: model unavailable")
	// ErrNotActivated is returned when the assistant tool is not Active in
	// the caller's tab.
	ErrNotActivated = errors.New("chat: assistant not activated")
	// ErrNotFound is returned by Store.Finalize for an unknown message.
	ErrNotFound = errors.New("chat: message not found")
)

// Message is one exchange. It is stored Pending before the inference call
// and finalized in place afterwards.
type Message struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ModelID     string    `json:"model_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	TokensUsed  int       `json:"tokens_used"`
	Pending     bool      `json:"is_pending"`
	Failed      bool      `json:"failed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists chat history.
type Store interface {
	Create(ctx context.Context, msg Message) error
	Finalize(ctx context.Context, id, response string, tokens int, failed bool) error
	ListRecent(ctx context.Context, userID string, limit int) ([]Message, error)
	Clear(ctx context.Context, userID string) (int64, error)
	Close() error
}

// Models looks up the model catalog.
type Models interface {
	GetModel(ctx context.Context, id string) (*userstore.AIModel, error)
	DefaultModel(ctx context.Context) (*userstore.AIModel, error)
}

// Resolver picks the adapter serving a catalog model.
type Resolver interface {
	Resolve(model userstore.AIModel) (adapter.StreamingChatAdapter, error)
}

// Gate reports whether a tool is Active in a tab.
type Gate interface {
	IsActive(sessionID, userID, toolID string) bool
}

// Recorder receives inference outcomes for metrics.
type Recorder interface {
	RecordInference(mode string, outcome string, elapsed time.Duration)
}

// Request is one user message.
type Request struct {
	Message    string
	ModelID    string
	TabSession string
}
