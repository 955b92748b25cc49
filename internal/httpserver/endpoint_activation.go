package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yaotools/toolmeter/internal/activation"
	"github.com/yaotools/toolmeter/internal/httpserver/protocol"
	"github.com/yaotools/toolmeter/internal/ledger"
	"github.com/yaotools/toolmeter/internal/userstore"
)

type activationEndpoint struct {
	server *Server
}

func newActivationEndpoint(server *Server) protocol.Endpoint {
	return &activationEndpoint{server: server}
}

func (e *activationEndpoint) Name() string { return "activation" }

func (e *activationEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/tools", Handler: http.HandlerFunc(e.handleListTools)},
		{Method: http.MethodPost, Path: "/tabs", Handler: http.HandlerFunc(e.handleNewTab)},
		{Method: http.MethodPost, Path: "/tabs/{sid}/unload", Handler: http.HandlerFunc(e.handleUnload)},
		{Method: http.MethodPost, Path: "/tabs/{sid}/navigate", Handler: http.HandlerFunc(e.handleNavigate)},
		{Method: http.MethodGet, Path: "/tools/{id}/activation", Handler: http.HandlerFunc(e.handleStatus)},
		{Method: http.MethodPost, Path: "/tools/{id}/activation", Handler: http.HandlerFunc(e.handleActivate)},
		{Method: http.MethodDelete, Path: "/tools/{id}/activation", Handler: http.HandlerFunc(e.handleDeactivate)},
	}
}

func (e *activationEndpoint) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := e.server.Identity.ListTools(r.Context(), true)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"id":            t.ID,
			"name":          t.Name,
			"description":   t.Description,
			"category":      t.Category,
			"required_role": t.RequiredRole,
			"type":          t.Type,
			"code_url":      t.CodeURL,
			"tags":          t.Tags,
			"usage_count":   t.UsageCount,
		})
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (e *activationEndpoint) handleNewTab(w http.ResponseWriter, r *http.Request) {
	user := sessionFromContext(r.Context())
	sid := e.server.Registry.NewSession(user.ID)
	e.server.respondJSON(w, http.StatusCreated, map[string]any{"tab_session": sid})
}

func (e *activationEndpoint) handleUnload(w http.ResponseWriter, r *http.Request) {
	user := sessionFromContext(r.Context())
	n, err := e.server.Registry.Unload(chi.URLParam(r, "sid"), user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"locked": n})
}

func (e *activationEndpoint) handleNavigate(w http.ResponseWriter, r *http.Request) {
	user := sessionFromContext(r.Context())
	n, err := e.server.Registry.Navigate(chi.URLParam(r, "sid"), user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"locked": n})
}

func (e *activationEndpoint) handleStatus(w http.ResponseWriter, r *http.Request) {
	sid, ok := e.tabSession(w, r)
	if !ok {
		return
	}
	user := sessionFromContext(r.Context())
	toolID := chi.URLParam(r, "id")
	c, err := e.server.Registry.Lookup(sid, user.ID, toolID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, activationPayload(toolID, c, nil))
}

func (e *activationEndpoint) handleActivate(w http.ResponseWriter, r *http.Request) {
	sid, ok := e.tabSession(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	user := sessionFromContext(ctx)
	tool, err := e.server.Identity.GetTool(ctx, chi.URLParam(r, "id"))
	if err == nil && !tool.IsActive {
		err = userstore.ErrNotFound
	}
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	c, err := e.server.Registry.Controller(sid, user.ID, *tool)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	acct, err := e.server.Ledger.Account(ctx, user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	if _, err := c.Activate(ctx, acct, user.Role); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			payload := activationPayload(tool.ID, c, acct)
			payload["error"] = "no uses remaining, contact an administrator to top up"
			e.server.respondJSON(w, http.StatusPaymentRequired, payload)
			return
		}
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, activationPayload(tool.ID, c, acct))
}

func (e *activationEndpoint) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	sid, ok := e.tabSession(w, r)
	if !ok {
		return
	}
	user := sessionFromContext(r.Context())
	toolID := chi.URLParam(r, "id")
	c, err := e.server.Registry.Lookup(sid, user.ID, toolID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	if c != nil {
		c.Deactivate(activation.TriggerReset)
		c.DismissPrompt()
	}
	e.server.respondJSON(w, http.StatusOK, activationPayload(toolID, c, nil))
}

func (e *activationEndpoint) tabSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	sid := strings.TrimSpace(r.Header.Get(tabHeader))
	if sid == "" {
		e.server.respondError(w, http.StatusBadRequest, errors.New(tabHeader+" header required"))
		return "", false
	}
	return sid, true
}

// activationPayload reports a Locked state for tools never touched in the tab.
func activationPayload(toolID string, c *activation.Controller, acct *ledger.Account) map[string]any {
	payload := map[string]any{
		"tool_id":        toolID,
		"state":          activation.Locked.String(),
		"prompt_visible": false,
		"input_blocked":  true,
	}
	if c != nil {
		payload["state"] = c.State().String()
		payload["prompt_visible"] = c.PromptVisible()
		payload["input_blocked"] = c.InputBlocked()
		if at := c.ActivatedAt(); !at.IsZero() {
			payload["activated_at"] = at.UTC().Format(time.RFC3339)
		}
	}
	if acct != nil {
		payload["remaining_uses"] = acct.Balance()
	}
	return payload
}
