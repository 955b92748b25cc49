package adapter

import (
	"context"

	"github.com/yaotools/toolmeter/internal/openai"
)

// ChatAdapter sends a buffered OpenAI-compatible completion request.
type ChatAdapter interface {
	CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// StreamingChatAdapter additionally supports incremental delivery. The
// returned channel is closed after a terminal event (Done or Error).
type StreamingChatAdapter interface {
	ChatAdapter
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan StreamEvent, error)
}

// StreamEvent carries one step of a streamed completion. Text is the
// cumulative content so far.
type StreamEvent struct {
	Text  string
	Delta string
	Done  bool
	Error error
}

// IsError reports whether the event terminates the stream with a failure.
func (e StreamEvent) IsError() bool { return e.Error != nil }

// IsDone reports whether the event terminates the stream successfully.
func (e StreamEvent) IsDone() bool { return e.Done }
