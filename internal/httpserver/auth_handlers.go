package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/yaotools/toolmeter/internal/userstore"
)

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil || s.authDisabled {
		s.respondError(w, http.StatusNotImplemented, errors.New("auth disabled"))
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	email := userstore.NormalizeEmail(req.Email)
	if email == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("email required"))
		return
	}
	if s.adminEmail != "" && email == s.adminEmail {
		user, err := s.ensureUser(r.Context(), email)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		s.issueSession(w, user)
		return
	}
	challengeID, code, expires, err := s.Auth.CreateChallenge(email)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	// The code is returned directly until an email sender is configured.
	s.respondJSON(w, http.StatusOK, map[string]any{
		"challenge_id": challengeID,
		"expires_at":   expires.UTC().Format(time.RFC3339),
		"code":         code,
	})
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if s.Auth == nil || s.authDisabled {
		s.respondError(w, http.StatusNotImplemented, errors.New("auth disabled"))
		return
	}
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	challengeID := strings.TrimSpace(req.ChallengeID)
	code := strings.TrimSpace(req.Code)
	if challengeID == "" || code == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("challenge id and code required"))
		return
	}
	email, err := s.Auth.VerifyChallenge(challengeID, code)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	user, err := s.ensureUser(r.Context(), email)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.issueSession(w, user)
}

func (s *Server) issueSession(w http.ResponseWriter, user *userstore.User) {
	token, err := s.Auth.IssueToken(user.Email, tokenTTL)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(tokenTTL),
	})
	s.respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  toUserPayload(user),
	})
}

func toUserPayload(user *userstore.User) map[string]any {
	if user == nil {
		return nil
	}
	return map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"display_name": user.DisplayName,
		"role":         user.Role,
	}
}
