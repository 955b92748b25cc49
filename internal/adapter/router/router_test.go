package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/openai"
	"github.com/yaotools/toolmeter/internal/userstore"
)

type mockAdapter struct {
	name string
}

func (m *mockAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Role: "assistant", Content: "Response from " + m.name}}},
	}, nil
}

func (m *mockAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	ch := make(chan adapter.StreamEvent, 1)
	ch <- adapter.StreamEvent{Text: m.name, Done: true}
	close(ch)
	return ch, nil
}

func newRouter(t *testing.T, factory ClientFactory) *Router {
	t.Helper()
	r := New(factory)
	require.NoError(t, r.RegisterAdapter("openai", &mockAdapter{name: "openai"}))
	require.NoError(t, r.RegisterAdapter("loopback", &mockAdapter{name: "loopback"}))
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)
	assert.Error(t, r.RegisterAdapter("", &mockAdapter{}))
	assert.Error(t, r.RegisterAdapter("x", nil))
	assert.Error(t, r.RegisterRoute("gpt-*", "missing"))
	assert.Error(t, r.RegisterRoute("", "x"))
	assert.Error(t, r.SetFallback("missing"))
}

func TestRoutingPatterns(t *testing.T) {
	r := newRouter(t, nil)
	require.NoError(t, r.RegisterRoute("gpt-*", "openai"))
	require.NoError(t, r.RegisterRoute("*-mini", "loopback"))
	require.NoError(t, r.RegisterRoute("*deepseek*", "openai"))
	require.NoError(t, r.RegisterRoute("gpt-4o-mini", "loopback"))

	tests := map[string]string{
		"gpt-4":                  "openai",
		"GPT-3.5-turbo":          "openai",
		"gpt-4o-mini":            "loopback", // exact beats earlier prefix
		"o1-mini":                "loopback",
		"deepseek/deepseek-chat": "openai",
	}
	for model, want := range tests {
		got, err := r.AdapterFor(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}

	_, err := r.AdapterFor("claude-3")
	assert.True(t, errors.Is(err, ErrNoAdapter))

	require.NoError(t, r.SetFallback("loopback"))
	got, err := r.AdapterFor("claude-3")
	require.NoError(t, err)
	assert.Equal(t, "loopback", got)
}

func TestCreateCompletionRoutesByName(t *testing.T) {
	r := newRouter(t, nil)
	require.NoError(t, r.RegisterRoute("gpt-*", "openai"))

	resp, err := r.CreateCompletion(context.Background(), openai.ChatCompletionRequest{Model: "gpt-4"})
	require.NoError(t, err)
	content, _ := resp.FirstContent()
	assert.Equal(t, "Response from openai", content)

	_, err = r.CreateCompletion(context.Background(), openai.ChatCompletionRequest{})
	assert.Error(t, err)
}

func TestResolveCatalogModel(t *testing.T) {
	builds := 0
	factory := func(m userstore.AIModel) (adapter.StreamingChatAdapter, error) {
		builds++
		return &mockAdapter{name: "dedicated:" + m.ID}, nil
	}
	r := newRouter(t, factory)
	require.NoError(t, r.SetFallback("loopback"))

	updated := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	model := userstore.AIModel{ID: "m1", ModelName: "deepseek/deepseek-chat", APIURL: "https://openrouter.ai/api/v1/chat/completions", APIKey: "sk-or", UpdatedAt: updated}

	a, err := r.Resolve(model)
	require.NoError(t, err)
	assert.Equal(t, "dedicated:m1", a.(*mockAdapter).name)
	_, err = r.Resolve(model)
	require.NoError(t, err)
	assert.Equal(t, 1, builds, "client is cached")

	model.APIKey = "sk-rotated"
	_, err = r.Resolve(model)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "credential change rebuilds client")

	a, err = r.Resolve(userstore.AIModel{ID: "m2", ModelName: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "loopback", a.(*mockAdapter).name, "models without endpoint use routes")
}

func TestResolveFactoryError(t *testing.T) {
	r := New(func(userstore.AIModel) (adapter.StreamingChatAdapter, error) {
		return nil, errors.New("bad url")
	})
	_, err := r.Resolve(userstore.AIModel{ID: "m", Name: "Broken", APIURL: "x", APIKey: "k"})
	assert.ErrorContains(t, err, "bad url")
}

func TestListings(t *testing.T) {
	r := newRouter(t, nil)
	require.NoError(t, r.RegisterRoute("GPT-*", "openai"))
	assert.Equal(t, []string{"loopback", "openai"}, r.ListAdapters())
	assert.Equal(t, map[string]string{"gpt-*": "openai"}, r.ListRoutes())
}
