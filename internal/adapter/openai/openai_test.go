package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/openai"
	"github.com/yaotools/toolmeter/internal/testutil"
)

func userRequest(content string) openai.ChatCompletionRequest {
	temp := 0.7
	return openai.ChatCompletionRequest{
		Model:       "gpt-4",
		Messages:    []openai.ChatMessage{{Role: "user", Content: content}},
		MaxTokens:   1000,
		Temperature: &temp,
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		wantErr      bool
		wantEndpoint string
		wantProvider Provider
	}{
		{
			name:         "defaults",
			cfg:          Config{APIKey: "sk-test123"},
			wantEndpoint: "https://api.openai.com/v1/chat/completions",
			wantProvider: ProviderOpenAI,
		},
		{
			name:         "full completions url kept verbatim",
			cfg:          Config{APIKey: "sk-or", BaseURL: "https://openrouter.ai/api/v1/chat/completions"},
			wantEndpoint: "https://openrouter.ai/api/v1/chat/completions",
			wantProvider: ProviderOpenRouter,
		},
		{
			name:         "modelscope base url",
			cfg:          Config{APIKey: "ms", BaseURL: "https://api-inference.modelscope.cn/v1/"},
			wantEndpoint: "https://api-inference.modelscope.cn/v1/chat/completions",
			wantProvider: ProviderModelScope,
		},
		{
			name:         "explicit provider wins",
			cfg:          Config{APIKey: "k", BaseURL: "http://127.0.0.1:9000/v1", Provider: ProviderOpenRouter},
			wantEndpoint: "http://127.0.0.1:9000/v1/chat/completions",
			wantProvider: ProviderOpenRouter,
		},
		{
			name:    "missing api key",
			cfg:     Config{BaseURL: "https://api.openai.com/v1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "api key required") {
					t.Fatalf("New() error = %v, want api key required", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error = %v", err)
			}
			if a.Endpoint() != tt.wantEndpoint {
				t.Errorf("Endpoint() = %q, want %q", a.Endpoint(), tt.wantEndpoint)
			}
			if a.Provider() != tt.wantProvider {
				t.Errorf("Provider() = %q, want %q", a.Provider(), tt.wantProvider)
			}
		})
	}
}

func TestCreateCompletion_Success(t *testing.T) {
	server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test123" {
			t.Errorf("Authorization = %q", auth)
		}
		if org := r.Header.Get("OpenAI-Organization"); org != "" {
			t.Errorf("generic provider should not send organization, got %q", org)
		}

		var reqBody openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if reqBody.MaxTokens != 1000 || reqBody.Temperature == nil || *reqBody.Temperature != 0.7 {
			t.Errorf("unexpected sampling params: %+v", reqBody)
		}
		if reqBody.Stream {
			t.Errorf("buffered request must not set stream")
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:      "chatcmpl-test123",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   "gpt-4",
			Choices: []openai.ChatCompletionChoice{{
				FinishReason: "stop",
				Message:      openai.ChatMessage{Role: "assistant", Content: "Hello! How can I help you today?"},
			}},
		})
	}))
	defer server.Close()

	a, err := New(Config{APIKey: "sk-test123", BaseURL: server.URL + "/v1", Organization: "org-1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	resp, err := a.CreateCompletion(context.Background(), userRequest("Hello"))
	if err != nil {
		t.Fatalf("CreateCompletion() error = %v", err)
	}
	if content, _ := resp.FirstContent(); content != "Hello! How can I help you today?" {
		t.Errorf("content = %q", content)
	}
}

func TestCreateCompletion_OpenRouterHeaders(t *testing.T) {
	server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("HTTP-Referer"); got != "https://tools.example" {
			t.Errorf("HTTP-Referer = %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "YaoTools AI Assistant" {
			t.Errorf("X-Title = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	a, err := New(Config{APIKey: "k", BaseURL: server.URL, Provider: ProviderOpenRouter, Referer: "https://tools.example"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := a.CreateCompletion(context.Background(), userRequest("hi")); err != nil {
		t.Fatalf("CreateCompletion() error = %v", err)
	}
}

func TestCreateCompletion_Classification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind adapter.Kind
		wantHTML bool
	}{
		{name: "provider json error", status: http.StatusUnauthorized, body: `{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`, wantKind: adapter.KindHTTP},
		{name: "html error page", status: http.StatusBadGateway, body: "<!DOCTYPE html><html><body>Bad gateway</body></html>", wantKind: adapter.KindHTTP, wantHTML: true},
		{name: "2xx non json", status: http.StatusOK, body: "not json", wantKind: adapter.KindMalformed},
		{name: "missing choices", status: http.StatusOK, body: `{"id":"x","choices":[]}`, wantKind: adapter.KindMalformed},
		{name: "empty content", status: http.StatusOK, body: `{"choices":[{"message":{"content":""}}]}`, wantKind: adapter.KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			a, err := New(Config{APIKey: "k", BaseURL: server.URL})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			_, err = a.CreateCompletion(context.Background(), userRequest("hi"))
			var aerr *adapter.Error
			if !errors.As(err, &aerr) {
				t.Fatalf("expected *adapter.Error, got %v", err)
			}
			if aerr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", aerr.Kind, tt.wantKind)
			}
			if aerr.HTMLPage != tt.wantHTML {
				t.Errorf("HTMLPage = %v, want %v", aerr.HTMLPage, tt.wantHTML)
			}
			if tt.wantKind == adapter.KindHTTP && aerr.Body != tt.body {
				t.Errorf("Body = %q, want raw body", aerr.Body)
			}
		})
	}
}

func TestCreateCompletion_TransportFailure(t *testing.T) {
	server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	a, err := New(Config{APIKey: "k", BaseURL: url, RequestTimeout: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = a.CreateCompletion(context.Background(), userRequest("hi"))
	if adapter.KindOf(err) != adapter.KindTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestCreateCompletion_Timeout(t *testing.T) {
	server := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	a, err := New(Config{APIKey: "k", BaseURL: server.URL, RequestTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = a.CreateCompletion(context.Background(), userRequest("hi"))
	if adapter.KindOf(err) != adapter.KindTransport {
		t.Fatalf("expected timeout to classify as transport failure, got %v", err)
	}
}

func TestCreateCompletion_EmptyMessages(t *testing.T) {
	a, err := New(Config{APIKey: "sk-test123"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = a.CreateCompletion(context.Background(), openai.ChatCompletionRequest{Model: "gpt-4"})
	if err == nil {
		t.Error("CreateCompletion() expected error for empty messages, got nil")
	}
}
