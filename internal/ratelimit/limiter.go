// Package ratelimit throttles per-user operations such as code redemption.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the limits for one scope.
type Config struct {
	// Scope names the limited operation in logs and metrics.
	Scope string
	// PerMinute is the sustained rate. Zero or less disables the limiter.
	PerMinute float64
	// Burst is the bucket size. Defaults to 1.
	Burst int
	// IdleTTL drops idle keys. Defaults to 10 minutes.
	IdleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	scope   string
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewLimiter creates a keyed limiter. A nil *Limiter allows everything.
func NewLimiter(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Limiter{
		scope:   cfg.Scope,
		limit:   rate.Limit(cfg.PerMinute / 60),
		burst:   cfg.Burst,
		idleTTL: cfg.IdleTTL,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Scope returns the configured scope name.
func (l *Limiter) Scope() string {
	if l == nil {
		return ""
	}
	return l.scope
}

// Allow consumes one token for key.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	return l.get(key, now).AllowN(now, 1)
}

// RetryAfter estimates how long key has to wait for the next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l == nil {
		return 0
	}
	now := l.now()
	lim := l.get(key, now)
	tokens := lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	secs := (1 - tokens) / float64(l.limit)
	return time.Duration(math.Ceil(secs)) * time.Second
}

// Remaining reports the whole tokens left for key.
func (l *Limiter) Remaining(key string) int {
	if l == nil {
		return 0
	}
	now := l.now()
	tokens := l.get(key, now).TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// Burst returns the bucket size.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.burst
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Sweep drops keys idle for longer than IdleTTL and returns how many.
func (l *Limiter) Sweep() int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
