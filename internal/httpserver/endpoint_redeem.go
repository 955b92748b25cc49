package httpserver

import (
	"errors"
	"net/http"

	"github.com/yaotools/toolmeter/internal/httpserver/protocol"
	"github.com/yaotools/toolmeter/internal/redeem"
)

type redeemEndpoint struct {
	server *Server
}

func newRedeemEndpoint(server *Server) protocol.Endpoint {
	return &redeemEndpoint{server: server}
}

func (e *redeemEndpoint) Name() string { return "redeem" }

func (e *redeemEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/redeem", Handler: e.server.throttle(e.server.RedeemLimiter, e.handleRedeem)},
	}
}

func (e *redeemEndpoint) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		e.server.respondError(w, http.StatusBadRequest, err)
		return
	}
	user := sessionFromContext(r.Context())
	acct, err := e.server.Ledger.Account(r.Context(), user.ID)
	if err != nil {
		e.server.respondDomainError(w, err)
		return
	}
	res, err := e.server.Redeemer.Redeem(r.Context(), req.Code, acct)
	if err != nil {
		var burned *redeem.BurnedError
		if errors.As(err, &burned) {
			e.server.respondJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "code " + burned.Code + " was accepted but the balance could not be updated, contact an administrator",
				"code":  burned.Code,
			})
			return
		}
		e.server.respondDomainError(w, err)
		return
	}
	e.server.respondJSON(w, http.StatusOK, map[string]any{
		"code":           res.Code,
		"added":          res.Added,
		"unlimited":      res.Unlimited,
		"remaining_uses": res.NewBalance,
	})
}
