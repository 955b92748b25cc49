package loopback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/openai"
)

// Ensure LoopbackAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*LoopbackAdapter)(nil)

const replyPrefix = "[loopback] "

// LoopbackAdapter echoes the last user message back to the caller. It backs
// local runs without provider credentials.
type LoopbackAdapter struct {
	// ChunkSize controls how many runes each streamed delta carries.
	ChunkSize int
}

// New creates a LoopbackAdapter instance.
func New() *LoopbackAdapter {
	return &LoopbackAdapter{ChunkSize: 8}
}

// CreateCompletion fabricates a deterministic completion.
func (a *LoopbackAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	reply, err := echo(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return openai.ChatCompletionResponse{
		ID:      "cmpl-loopback",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: "stop",
			Message:      openai.ChatMessage{Role: "assistant", Content: reply},
		}},
		Usage: openai.UsageBreakdown{
			PromptTokens:     len(req.Messages) * 10,
			CompletionTokens: len(reply) / 4,
			TotalTokens:      len(req.Messages)*10 + len(reply)/4,
		},
	}, nil
}

// CreateCompletionStream streams the echo in ChunkSize rune deltas.
func (a *LoopbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	reply, err := echo(req)
	if err != nil {
		return nil, err
	}
	size := a.ChunkSize
	if size <= 0 {
		size = 8
	}

	ch := make(chan adapter.StreamEvent, 4)
	go func() {
		defer close(ch)
		runes := []rune(reply)
		var text strings.Builder
		for i := 0; i < len(runes); i += size {
			delta := string(runes[i:min(i+size, len(runes))])
			text.WriteString(delta)
			select {
			case ch <- adapter.StreamEvent{Text: text.String(), Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- adapter.StreamEvent{Text: text.String(), Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func echo(req openai.ChatCompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("loopback: no messages provided")
	}
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			message = req.Messages[i]
			break
		}
	}
	return replyPrefix + strings.TrimSpace(message.Content), nil
}
