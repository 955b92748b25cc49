package httpserver

import (
	"net/http"
	"time"

	"github.com/yaotools/toolmeter/internal/httpserver/protocol"
	"github.com/yaotools/toolmeter/internal/ledger"
)

type accountEndpoint struct {
	server *Server
}

func newAccountEndpoint(server *Server) protocol.Endpoint {
	return &accountEndpoint{server: server}
}

func (e *accountEndpoint) Name() string { return "account" }

func (e *accountEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/profile", Handler: http.HandlerFunc(e.handleProfile)},
		{Method: http.MethodGet, Path: "/balance", Handler: http.HandlerFunc(e.handleBalance)},
		{Method: http.MethodGet, Path: "/ledger", Handler: http.HandlerFunc(e.handleLedger)},
		{Method: http.MethodGet, Path: "/usage", Handler: http.HandlerFunc(e.handleUsage)},
	}
}

func (e *accountEndpoint) handleProfile(w http.ResponseWriter, r *http.Request) {
	e.server.respondJSON(w, http.StatusOK, map[string]any{"user": toUserPayload(sessionFromContext(r.Context()))})
}

func (e *accountEndpoint) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := sessionFromContext(r.Context())
	acct, err := e.server.Ledger.Account(r.Context(), user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":        user.ID,
		"remaining_uses": acct.Balance(),
	})
}

func (e *accountEndpoint) handleLedger(w http.ResponseWriter, r *http.Request) {
	user := sessionFromContext(r.Context())
	entries, err := e.server.Ledger.History(r.Context(), user.ID, pageSize(r))
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toEntryPayload(entry))
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (e *accountEndpoint) handleUsage(w http.ResponseWriter, r *http.Request) {
	if e.server.Usage == nil {
		e.server.respondJSON(w, http.StatusOK, map[string]any{"usage": []any{}})
		return
	}
	user := sessionFromContext(r.Context())
	logs, err := e.server.Usage.ListUsage(r.Context(), user.ID, pageSize(r))
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(logs))
	for _, l := range logs {
		out = append(out, map[string]any{
			"tool_id":    l.ToolID,
			"created_at": l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"usage": out})
}

func toEntryPayload(entry ledger.Entry) map[string]any {
	return map[string]any{
		"id":            entry.ID,
		"direction":     entry.Direction,
		"amount":        entry.Amount,
		"reason":        entry.Reason,
		"reference":     entry.Reference,
		"memo":          entry.Memo,
		"balance_after": entry.BalanceAfter,
		"created_at":    entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}
