package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/openai"
	"github.com/yaotools/toolmeter/internal/stream"
)

// Ensure OpenAIAdapter implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*OpenAIAdapter)(nil)

// Provider names a family of OpenAI-compatible endpoints that share a
// header set.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderModelScope Provider = "modelscope"
	ProviderGeneric    Provider = "generic"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTitle   = "YaoTools AI Assistant"
	completionPath = "/chat/completions"
	readBufferSize = 8192
)

// DetectProvider infers the provider family from an endpoint URL.
func DetectProvider(endpoint string) Provider {
	host := strings.ToLower(endpoint)
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	switch {
	case strings.Contains(host, "openrouter.ai"):
		return ProviderOpenRouter
	case strings.Contains(host, "modelscope.cn"):
		return ProviderModelScope
	case strings.Contains(host, "api.openai.com"):
		return ProviderOpenAI
	default:
		return ProviderGeneric
	}
}

// OpenAIAdapter sends requests to any OpenAI-compatible chat endpoint.
type OpenAIAdapter struct {
	apiKey       string
	endpoint     string
	provider     Provider
	org          string
	referer      string
	title        string
	httpClient   *http.Client
	streamClient *http.Client
}

// Config holds configuration for the adapter.
type Config struct {
	APIKey string
	// BaseURL is either an API root (".../v1") or a full chat completions URL.
	BaseURL        string
	Organization   string // optional, openai only
	Provider       Provider
	Referer        string // openrouter HTTP-Referer
	Title          string // openrouter X-Title
	RequestTimeout time.Duration
	Transport      http.RoundTripper
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) (*OpenAIAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	endpoint := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(endpoint, completionPath) {
		endpoint += completionPath
	}

	provider := cfg.Provider
	if provider == "" {
		provider = DetectProvider(endpoint)
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	title := cfg.Title
	if title == "" {
		title = defaultTitle
	}

	return &OpenAIAdapter{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		provider: provider,
		org:      cfg.Organization,
		referer:  cfg.Referer,
		title:    title,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
		// streams are bounded by the caller's context instead of a client timeout
		streamClient: &http.Client{Transport: cfg.Transport},
	}, nil
}

// Endpoint returns the resolved chat completions URL.
func (a *OpenAIAdapter) Endpoint() string { return a.endpoint }

// Provider returns the provider family used for headers.
func (a *OpenAIAdapter) Provider() Provider { return a.provider }

// CreateCompletion sends a buffered chat completion request.
func (a *OpenAIAdapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Stream = false
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, a.fail(adapter.KindTransport, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return openai.ChatCompletionResponse{}, a.fail(adapter.KindTransport, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return openai.ChatCompletionResponse{}, a.httpError(resp.StatusCode, respBody)
	}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return openai.ChatCompletionResponse{}, a.fail(adapter.KindMalformed, fmt.Errorf("unmarshal response: %w", err))
	}
	if content, ok := completion.FirstContent(); !ok || content == "" {
		return openai.ChatCompletionResponse{}, a.fail(adapter.KindMalformed, errors.New("missing choices[0].message.content"))
	}
	return completion, nil
}

// CreateCompletionStream sends a streaming request and relays cumulative
// content through the returned channel.
func (a *OpenAIAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	req.Stream = true
	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		return nil, a.fail(adapter.KindTransport, fmt.Errorf("send request: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, a.httpError(resp.StatusCode, data)
	}

	ch := make(chan adapter.StreamEvent, 10)
	go a.relay(ctx, resp.Body, ch)
	return ch, nil
}

func (a *OpenAIAdapter) relay(ctx context.Context, body io.ReadCloser, ch chan<- adapter.StreamEvent) {
	defer close(ch)
	defer body.Close()

	send := func(ev adapter.StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	parser := stream.NewParser()
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			send(adapter.StreamEvent{Error: a.fail(adapter.KindTransport, ctx.Err())})
			return
		}

		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if ev.Kind == stream.EventDone {
					if parser.Text() == "" {
						send(adapter.StreamEvent{Error: a.fail(adapter.KindEmpty, stream.ErrEmptyStream)})
						return
					}
					send(adapter.StreamEvent{Text: ev.Text, Done: true})
					return
				}
				if !send(adapter.StreamEvent{Text: ev.Text, Delta: ev.Delta}) {
					return
				}
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			send(adapter.StreamEvent{Error: a.fail(adapter.KindTransport, fmt.Errorf("read stream: %w", err))})
			return
		}
		ev, cerr := parser.Close()
		if cerr != nil {
			send(adapter.StreamEvent{Error: a.fail(adapter.KindEmpty, cerr)})
			return
		}
		if ev != nil {
			send(adapter.StreamEvent{Text: ev.Text, Done: true})
		}
		return
	}
}

func (a *OpenAIAdapter) newRequest(ctx context.Context, req openai.ChatCompletionRequest) (*http.Request, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	a.setHeaders(httpReq.Header)
	return httpReq, nil
}

func (a *OpenAIAdapter) setHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+a.apiKey)
	switch a.provider {
	case ProviderOpenAI:
		if a.org != "" {
			h.Set("OpenAI-Organization", a.org)
		}
	case ProviderOpenRouter:
		if a.referer != "" {
			h.Set("HTTP-Referer", a.referer)
		}
		h.Set("X-Title", a.title)
	}
}

func (a *OpenAIAdapter) fail(kind adapter.Kind, err error) *adapter.Error {
	return &adapter.Error{Kind: kind, Provider: string(a.provider), Err: err}
}

func (a *OpenAIAdapter) httpError(status int, body []byte) *adapter.Error {
	text := string(body)
	return &adapter.Error{
		Kind:     adapter.KindHTTP,
		Provider: string(a.provider),
		Status:   status,
		Body:     text,
		HTMLPage: adapter.IsHTMLPage(text),
	}
}
