package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/openai"
	"github.com/yaotools/toolmeter/internal/userstore"
)

// Ensure Router implements StreamingChatAdapter.
var _ adapter.StreamingChatAdapter = (*Router)(nil)

// ErrNoAdapter is returned when neither the catalog entry, a route nor the
// fallback can serve a model.
var ErrNoAdapter = errors.New("router: no adapter for model")

// ClientFactory builds a dedicated client for a catalog model that carries
// its own endpoint and credential.
type ClientFactory func(model userstore.AIModel) (adapter.StreamingChatAdapter, error)

type route struct {
	pattern string
	adapter string
}

type cachedClient struct {
	updatedAt time.Time
	apiURL    string
	apiKey    string
	client    adapter.StreamingChatAdapter
}

// Router resolves catalog models and model names to adapters.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]adapter.StreamingChatAdapter
	routes   []route
	fallback string
	factory  ClientFactory
	clients  map[string]cachedClient
}

// New creates a new Router instance. factory may be nil, in which case
// catalog endpoints are ignored and only routes apply.
func New(factory ClientFactory) *Router {
	return &Router{
		adapters: make(map[string]adapter.StreamingChatAdapter),
		factory:  factory,
		clients:  make(map[string]cachedClient),
	}
}

// RegisterAdapter registers an adapter with a name.
func (r *Router) RegisterAdapter(name string, a adapter.StreamingChatAdapter) error {
	if name == "" {
		return errors.New("router: adapter name cannot be empty")
	}
	if a == nil {
		return errors.New("router: adapter cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	return nil
}

// RegisterRoute maps a model pattern to a registered adapter. Patterns are
// tried in registration order after exact matches. Supported forms:
// exact "gpt-4", prefix "gpt-*", suffix "*-turbo" and contains "*mini*".
func (r *Router) RegisterRoute(modelPattern, adapterName string) error {
	if modelPattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if adapterName == "" {
		return errors.New("router: adapter name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	pattern := strings.ToLower(strings.TrimSpace(modelPattern))
	for i, rt := range r.routes {
		if rt.pattern == pattern {
			r.routes[i].adapter = adapterName
			return nil
		}
	}
	r.routes = append(r.routes, route{pattern: pattern, adapter: adapterName})
	return nil
}

// SetFallback names the adapter used for unmatched models.
func (r *Router) SetFallback(adapterName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	r.fallback = adapterName
	return nil
}

// Resolve returns the adapter serving a catalog model. A model with its own
// api_url and api_key gets a dedicated client, rebuilt whenever the catalog
// entry changes.
func (r *Router) Resolve(model userstore.AIModel) (adapter.StreamingChatAdapter, error) {
	if r.factory != nil && strings.TrimSpace(model.APIURL) != "" && strings.TrimSpace(model.APIKey) != "" {
		return r.clientFor(model)
	}
	name, err := r.findAdapter(model.ModelName)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name], nil
}

func (r *Router) clientFor(model userstore.AIModel) (adapter.StreamingChatAdapter, error) {
	key := model.ID
	if key == "" {
		key = model.APIURL + "|" + model.ModelName
	}
	r.mu.RLock()
	cached, ok := r.clients[key]
	r.mu.RUnlock()
	if ok && cached.updatedAt.Equal(model.UpdatedAt) && cached.apiURL == model.APIURL && cached.apiKey == model.APIKey {
		return cached.client, nil
	}

	client, err := r.factory(model)
	if err != nil {
		return nil, fmt.Errorf("router: build client for model %q: %w", model.Name, err)
	}
	r.mu.Lock()
	r.clients[key] = cachedClient{updatedAt: model.UpdatedAt, apiURL: model.APIURL, apiKey: model.APIKey, client: client}
	r.mu.Unlock()
	return client, nil
}

// CreateCompletion routes a buffered request by model name.
func (r *Router) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	a, err := r.byName(req.Model)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return a.CreateCompletion(ctx, req)
}

// CreateCompletionStream routes a streaming request by model name.
func (r *Router) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	a, err := r.byName(req.Model)
	if err != nil {
		return nil, err
	}
	return a.CreateCompletionStream(ctx, req)
}

func (r *Router) byName(model string) (adapter.StreamingChatAdapter, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("router: model name required")
	}
	name, err := r.findAdapter(model)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("router: adapter %q not found", name)
	}
	return a, nil
}

func (r *Router) findAdapter(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model = strings.ToLower(strings.TrimSpace(model))
	for _, rt := range r.routes {
		if rt.pattern == model {
			return rt.adapter, nil
		}
	}
	for _, rt := range r.routes {
		if matchPattern(model, rt.pattern) {
			return rt.adapter, nil
		}
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("%w %q", ErrNoAdapter, model)
}

// matchPattern checks if a lowercased model matches a lowercased pattern.
func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	starts := strings.HasPrefix(pattern, "*")
	ends := strings.HasSuffix(pattern, "*")
	switch {
	case ends && !starts:
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case starts && !ends:
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	case starts && ends:
		return strings.Contains(model, strings.Trim(pattern, "*"))
	}
	return false
}

// AdapterFor returns the adapter name a model name routes to.
func (r *Router) AdapterFor(model string) (string, error) {
	return r.findAdapter(model)
}

// ListAdapters returns all registered adapter names, sorted.
func (r *Router) ListAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRoutes returns all registered routes.
func (r *Router) ListRoutes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make(map[string]string, len(r.routes))
	for _, rt := range r.routes {
		routes[rt.pattern] = rt.adapter
	}
	return routes
}
