package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yaotools/toolmeter/internal/httpserver/protocol"
	"github.com/yaotools/toolmeter/internal/redeem"
)

type adminEndpoint struct {
	server *Server
}

func newAdminEndpoint(server *Server) protocol.Endpoint {
	return &adminEndpoint{server: server}
}

func (e *adminEndpoint) Name() string { return "admin" }

func (e *adminEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/admin/codes", Handler: http.HandlerFunc(e.handleGenerateCodes)},
		{Method: http.MethodGet, Path: "/admin/codes", Handler: http.HandlerFunc(e.handleListCodes)},
		{Method: http.MethodPost, Path: "/admin/users/{id}/grant", Handler: http.HandlerFunc(e.handleGrant)},
	}
}

func (e *adminEndpoint) handleGenerateCodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count     int   `json:"count"`
		Uses      int64 `json:"uses"`
		Unlimited bool  `json:"unlimited"`
	}
	if err := decodeJSON(r, &req); err != nil {
		e.server.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	admin := sessionFromContext(r.Context())
	codes, err := e.server.Generator.Generate(r.Context(), req.Count, req.Uses, req.Unlimited, admin.Email)
	if err != nil {
		e.server.respondError(w, http.StatusBadRequest, err)
		return
	}
	e.server.respondJSON(w, http.StatusCreated, map[string]any{"codes": toCodePayloads(codes)})
}

func (e *adminEndpoint) handleListCodes(w http.ResponseWriter, r *http.Request) {
	filter := redeem.Filter{Limit: pageSize(r)}
	if v := strings.TrimSpace(r.URL.Query().Get("used")); v != "" {
		used, err := strconv.ParseBool(v)
		if err != nil {
			e.server.respondError(w, http.StatusBadRequest, errors.New("used must be true or false"))
			return
		}
		filter.Used = &used
	}
	codes, err := e.server.Redeemer.Store().List(r.Context(), filter)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"codes": toCodePayloads(codes)})
}

// handleGrant credits a user directly. A client-supplied reference makes
// retries idempotent.
func (e *adminEndpoint) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount    int64  `json:"amount"`
		Memo      string `json:"memo"`
		Reference string `json:"reference"`
	}
	if err := decodeJSON(r, &req); err != nil {
		e.server.respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := chi.URLParam(r, "id")
	if _, err := e.server.Identity.GetUser(r.Context(), userID); err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		ref = uuid.NewString()
	}
	admin := sessionFromContext(r.Context())
	memo := strings.TrimSpace(req.Memo)
	if memo == "" {
		memo = "granted by " + admin.Email
	}
	balance, err := e.server.Ledger.Grant(r.Context(), userID, req.Amount, "grant:"+ref, memo)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "remaining_uses": balance})
}

func toCodePayloads(codes []redeem.Code) []map[string]any {
	out := make([]map[string]any, 0, len(codes))
	for _, c := range codes {
		item := map[string]any{
			"code":       c.Code,
			"uses":       c.Uses,
			"unlimited":  c.Unlimited(),
			"is_used":    c.IsUsed,
			"created_by": c.CreatedBy,
			"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
		}
		if c.IsUsed {
			item["used_by"] = c.UsedBy
			if c.UsedAt != nil {
				item["used_at"] = c.UsedAt.UTC().Format(time.RFC3339)
			}
		}
		out = append(out, item)
	}
	return out
}
