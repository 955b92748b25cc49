package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/yaotools/toolmeter/internal/chat"
	"github.com/yaotools/toolmeter/internal/httpserver/protocol"
)

type chatEndpoint struct {
	server *Server
}

func newChatEndpoint(server *Server) protocol.Endpoint {
	return &chatEndpoint{server: server}
}

func (e *chatEndpoint) Name() string { return "chat" }

func (e *chatEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/models", Handler: http.HandlerFunc(e.handleModels)},
		{Method: http.MethodPost, Path: "/chat", Handler: e.server.throttle(e.server.ChatLimiter, e.handleChat)},
		{Method: http.MethodPost, Path: "/chat/stream", Handler: e.server.throttle(e.server.ChatLimiter, e.handleChatStream)},
		{Method: http.MethodGet, Path: "/chat/history", Handler: http.HandlerFunc(e.handleHistory)},
		{Method: http.MethodDelete, Path: "/chat/history", Handler: http.HandlerFunc(e.handleClear)},
	}
}

type chatRequest struct {
	Message string `json:"message"`
	ModelID string `json:"model_id"`
}

func (e *chatEndpoint) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := e.server.Identity.ListModels(r.Context(), true)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(models))
	for _, m := range models {
		out = append(out, map[string]any{
			"id":          m.ID,
			"name":        m.Name,
			"model_name":  m.ModelName,
			"description": m.Description,
			"max_tokens":  m.EffectiveMaxTokens(),
			"temperature": m.EffectiveTemperature(),
			"is_default":  m.IsDefault,
		})
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (e *chatEndpoint) parse(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	var body chatRequest
	if err := decodeJSON(r, &body); err != nil {
		e.server.respondError(w, http.StatusBadRequest, err)
		return chat.Request{}, false
	}
	return chat.Request{
		Message:    body.Message,
		ModelID:    strings.TrimSpace(body.ModelID),
		TabSession: strings.TrimSpace(r.Header.Get(tabHeader)),
	}, true
}

func (e *chatEndpoint) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := e.parse(w, r)
	if !ok {
		return
	}
	user := sessionFromContext(r.Context())
	acct, err := e.server.Ledger.Account(r.Context(), user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	msg, err := e.server.Chat.Send(r.Context(), acct, req)
	switch {
	case err == nil:
		e.server.respondJSON(w, http.StatusOK, map[string]any{"message": msg, "remaining_uses": acct.Balance()})
	case msg != nil:
		// inference failed after the exchange was recorded; the use was refunded
		e.server.respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":          msg.AIResponse,
			"message":        msg,
			"remaining_uses": acct.Balance(),
		})
	default:
		e.server.respondDomainError(w, err)
	}
}

// handleChatStream relays cumulative text as SSE "delta" events and ends with
// a "done" or "error" event carrying the finalized message. Errors raised
// before the first byte are plain JSON responses.
func (e *chatEndpoint) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := e.parse(w, r)
	if !ok {
		return
	}
	user := sessionFromContext(r.Context())
	acct, err := e.server.Ledger.Account(r.Context(), user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	sse := newSSEWriter(w)
	msg, err := e.server.Chat.SendStreaming(r.Context(), acct, req, func(text, delta string) {
		sse.event("delta", map[string]any{"text": text, "delta": delta})
	})
	switch {
	case err == nil:
		sse.event("done", map[string]any{"message": msg, "remaining_uses": acct.Balance()})
	case msg != nil:
		sse.event("error", map[string]any{"error": msg.AIResponse, "message": msg, "remaining_uses": acct.Balance()})
	case sse.started:
		sse.event("error", map[string]any{"error": err.Error()})
	default:
		e.server.respondDomainError(w, err)
	}
}

func (e *chatEndpoint) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := sessionFromContext(r.Context())
	msgs, err := e.server.Chat.History(r.Context(), user.ID, pageSize(r))
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (e *chatEndpoint) handleClear(w http.ResponseWriter, r *http.Request) {
	user := sessionFromContext(r.Context())
	n, err := e.server.Chat.Clear(r.Context(), user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (s *sseWriter) event(name string, payload any) {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": "encode event: " + err.Error()})
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
