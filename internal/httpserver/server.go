package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yaotools/toolmeter/internal/activation"
	"github.com/yaotools/toolmeter/internal/auth"
	"github.com/yaotools/toolmeter/internal/chat"
	"github.com/yaotools/toolmeter/internal/health"
	"github.com/yaotools/toolmeter/internal/hooks"
	"github.com/yaotools/toolmeter/internal/httpserver/protocol"
	"github.com/yaotools/toolmeter/internal/ledger"
	"github.com/yaotools/toolmeter/internal/metrics"
	"github.com/yaotools/toolmeter/internal/ratelimit"
	"github.com/yaotools/toolmeter/internal/redeem"
	"github.com/yaotools/toolmeter/internal/userstore"
)

const (
	sessionCookie   = "toolmeter_session"
	tabHeader       = "X-Tab-Session"
	userEmailHeader = "X-User-Email"
	tokenTTL        = 24 * time.Hour
	defaultPageSize = 50
	maxPageSize     = 500
)

// Deps are the collaborators the HTTP surface dispatches to.
type Deps struct {
	Ledger    *ledger.Ledger
	Usage     ledger.UsageLogStore
	Identity  userstore.Store
	Auth      *auth.Manager
	Registry  *activation.Registry
	Redeemer  *redeem.Redeemer
	Generator *redeem.Generator
	Chat      *chat.Service
	Hooks     *hooks.Dispatcher
	Metrics   *metrics.Collector
	Health    *health.Checker

	RedeemLimiter *ratelimit.Limiter
	ChatLimiter   *ratelimit.Limiter
}

// Server exposes the metering JSON API.
type Server struct {
	Deps

	authDisabled bool
	adminEmail   string
	logger       *log.Logger
	logLevel     string
}

type sessionContextKey struct{}

// New builds a Server. adminEmail logs in without a challenge and is
// promoted to super_admin.
func New(deps Deps, adminEmail string) *Server {
	return &Server{
		Deps:       deps,
		adminEmail: userstore.NormalizeEmail(adminEmail),
		logger:     log.New(io.Discard, "", 0),
	}
}

// SetAuthDisabled switches to local mode, trusting the X-User-Email header.
func (s *Server) SetAuthDisabled(disabled bool) {
	s.authDisabled = disabled
}

// SetLogger configures the request logger and the debug threshold.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	s.registerEndpoints(r, newHealthEndpoint(s))

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/login", s.handleAuthLogin)
		api.Post("/auth/verify", s.handleAuthVerify)

		api.Group(func(private chi.Router) {
			private.Use(s.sessionMiddleware)
			s.registerEndpoints(private,
				newAccountEndpoint(s),
				newActivationEndpoint(s),
				newRedeemEndpoint(s),
				newChatEndpoint(s),
			)
			private.Group(func(admin chi.Router) {
				admin.Use(s.requireAdmin)
				s.registerEndpoints(admin, newAdminEndpoint(s))
			})
		})
	})
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		endpoint := r.Method + " " + r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = r.Method + " " + rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.RecordRequest(endpoint, time.Since(start), status)
	})
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*userstore.User, error) {
	if s.Identity == nil {
		return nil, errors.New("identity store unavailable")
	}
	if s.authDisabled {
		email := userstore.NormalizeEmail(r.Header.Get(userEmailHeader))
		if email == "" {
			return nil, errors.New("missing " + userEmailHeader + " header")
		}
		return s.ensureUser(r.Context(), email)
	}
	if s.Auth == nil {
		return nil, errors.New("auth unavailable")
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		if cookie, err := r.Cookie(sessionCookie); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return nil, errors.New("missing session")
	}
	email, err := s.Auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	user, err := s.Identity.FindByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, errors.New("user inactive")
	}
	return user, nil
}

// ensureUser creates the user on first sight and keeps the admin email
// promoted.
func (s *Server) ensureUser(ctx context.Context, email string) (*userstore.User, error) {
	role := userstore.RoleUser
	isAdmin := s.adminEmail != "" && email == s.adminEmail
	if isAdmin {
		role = userstore.RoleSuperAdmin
	}
	user, err := s.Identity.EnsureUser(ctx, email, role)
	if err != nil {
		return nil, err
	}
	if isAdmin && user.Role != userstore.RoleSuperAdmin {
		if err := s.Identity.SetRole(ctx, user.ID, userstore.RoleSuperAdmin); err != nil {
			return nil, err
		}
		user.Role = userstore.RoleSuperAdmin
	}
	return user, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := sessionFromContext(r.Context())
		if user == nil || !user.Role.IsAdmin() {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userKey throttles per authenticated user.
func userKey(r *http.Request) string {
	if user := sessionFromContext(r.Context()); user != nil {
		return user.ID
	}
	return ""
}

func (s *Server) throttle(l *ratelimit.Limiter, h http.HandlerFunc) http.Handler {
	var onReject func(string)
	if s.Metrics != nil {
		onReject = s.Metrics.RecordRateLimitHit
	}
	return ratelimit.Middleware(l, userKey, onReject, s.logger)(h)
}

func sessionFromContext(ctx context.Context) *userstore.User {
	user, _ := ctx.Value(sessionContextKey{}).(*userstore.User)
	return user
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondDomainError maps package sentinels onto HTTP statuses.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, redeem.ErrEmptyCode),
		errors.Is(err, redeem.ErrInvalidOrUsed),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrModelUnavailable):
		status = http.StatusBadRequest
	case errors.Is(err, activation.ErrRoleRequired),
		errors.Is(err, activation.ErrSessionOwner),
		errors.Is(err, chat.ErrNotActivated):
		status = http.StatusForbidden
	case errors.Is(err, activation.ErrUnknownSession),
		errors.Is(err, userstore.ErrNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, activation.ErrActivationInProgress),
		errors.Is(err, activation.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerWrite):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Printf("internal error: %v", err)
	}
	s.respondError(w, status, err)
}

func decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(into); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func pageSize(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}
