package activation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yaotools/toolmeter/internal/userstore"
)

var (
	// ErrUnknownSession is returned for a tab session that never existed or
	// has been unloaded.
	ErrUnknownSession = errors.New("activation: unknown tab session")
	// ErrSessionOwner is returned when a tab session is used by another user.
	ErrSessionOwner = errors.New("activation: tab session belongs to another user")
)

// DefaultSessionTTL expires tab sessions whose unload event never arrived.
const DefaultSessionTTL = 30 * time.Minute

type tabSession struct {
	id       string
	userID   string
	lastSeen time.Time
	tools    map[string]*Controller
}

// Registry is the tab-scoped activation storage. Nothing in it survives a
// restart; only balances are durable.
type Registry struct {
	svc *Services
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*tabSession
}

// NewRegistry returns an empty registry. A non-positive ttl uses
// DefaultSessionTTL.
func NewRegistry(svc *Services, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if svc == nil {
		svc = &Services{}
	}
	return &Registry{svc: svc, ttl: ttl, now: time.Now, sessions: make(map[string]*tabSession)}
}

// Services returns the shared collaborators.
func (r *Registry) Services() *Services { return r.svc }

// NewSession opens a tab session for userID and returns its id.
func (r *Registry) NewSession(userID string) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = &tabSession{id: id, userID: userID, lastSeen: r.now(), tools: make(map[string]*Controller)}
	r.mu.Unlock()
	return id
}

// Controller returns the controller for tool in the tab, creating a Locked one
// on first use.
func (r *Registry) Controller(sessionID, userID string, tool userstore.Tool) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.sessionLocked(sessionID, userID)
	if err != nil {
		return nil, err
	}
	c, ok := s.tools[tool.ID]
	if !ok {
		c = NewController(tool, r.svc)
		s.tools[tool.ID] = c
	}
	return c, nil
}

// Lookup returns an existing controller without creating one.
func (r *Registry) Lookup(sessionID, userID, toolID string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.sessionLocked(sessionID, userID)
	if err != nil {
		return nil, err
	}
	return s.tools[toolID], nil
}

// IsActive reports whether toolID is Active in the tab.
func (r *Registry) IsActive(sessionID, userID, toolID string) bool {
	c, err := r.Lookup(sessionID, userID, toolID)
	return err == nil && c != nil && c.State() == Active
}

func (r *Registry) sessionLocked(sessionID, userID string) (*tabSession, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.userID != userID {
		return nil, ErrSessionOwner
	}
	s.lastSeen = r.now()
	return s, nil
}

// Unload ends the tab: every tool is locked and the session is removed. It
// returns the number of tools that were locked.
func (r *Registry) Unload(sessionID, userID string) (int, error) {
	r.mu.Lock()
	s, err := r.sessionLocked(sessionID, userID)
	var tools []*Controller
	if err == nil {
		tools = s.controllers()
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return lockAll(tools, TriggerUnload), nil
}

// Navigate locks every tool of the tab but keeps the session.
func (r *Registry) Navigate(sessionID, userID string) (int, error) {
	r.mu.Lock()
	s, err := r.sessionLocked(sessionID, userID)
	var tools []*Controller
	if err == nil {
		tools = s.controllers()
	}
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return lockAll(tools, TriggerNavigation), nil
}

// Sweep unloads sessions idle for longer than the TTL and returns how many
// were removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	var tools []*Controller
	expired := 0
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			tools = append(tools, s.controllers()...)
			delete(r.sessions, id)
			expired++
		}
	}
	r.mu.Unlock()
	lockAll(tools, TriggerExpired)
	if expired > 0 {
		r.svc.logf("[activation] expired %d idle tab session(s)", expired)
	}
	return expired
}

// Run sweeps on interval until ctx ends, then locks every remaining tool.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	var tools []*Controller
	for _, s := range r.sessions {
		tools = append(tools, s.controllers()...)
	}
	r.sessions = make(map[string]*tabSession)
	r.mu.Unlock()
	lockAll(tools, TriggerTeardown)
}

// Len returns the number of open tab sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (s *tabSession) controllers() []*Controller {
	out := make([]*Controller, 0, len(s.tools))
	for _, c := range s.tools {
		out = append(out, c)
	}
	return out
}

// lockAll runs without the registry lock; controllers take their own.
func lockAll(tools []*Controller, trigger Trigger) int {
	n := 0
	for _, c := range tools {
		if c.Deactivate(trigger) {
			n++
		}
	}
	return n
}
