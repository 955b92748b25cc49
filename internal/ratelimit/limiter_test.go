package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiterAllowPerKey(t *testing.T) {
	l := NewLimiter(Config{Scope: "redeem", PerMinute: 6, Burst: 3})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("u1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("u1") {
		t.Fatal("4th request should be denied")
	}
	if !l.Allow("u2") {
		t.Fatal("different key should have its own bucket")
	}
	if got := l.RetryAfter("u1"); got != 10*time.Second {
		t.Fatalf("RetryAfter = %v, want 10s", got)
	}

	now = now.Add(10 * time.Second)
	if !l.Allow("u1") {
		t.Fatal("token should have refilled after 10s")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	var l *Limiter = NewLimiter(Config{PerMinute: 0})
	if l != nil {
		t.Fatal("expected nil limiter when disabled")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("u1") {
			t.Fatal("nil limiter must allow")
		}
	}
	if l.Sweep() != 0 || l.Len() != 0 {
		t.Fatal("nil limiter has no state")
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := NewLimiter(Config{PerMinute: 60, Burst: 1, IdleTTL: time.Minute})
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(30 * time.Second)
	l.Allow("b")
	now = now.Add(45 * time.Second)
	if n := l.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d keys, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("expected one key left, got %d", l.Len())
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := NewLimiter(Config{Scope: "chat", PerMinute: 1, Burst: 1})
	var rejected []string
	h := Middleware(l, func(r *http.Request) string { return r.Header.Get("X-User") }, func(scope string) {
		rejected = append(rejected, scope)
	}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("u1"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status %d", rec.Code)
	}
	rec := do("u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if len(rejected) != 1 || rejected[0] != "chat" {
		t.Fatalf("unexpected reject callbacks %v", rejected)
	}
	if rec := do(""); rec.Code != http.StatusNoContent {
		t.Fatalf("anonymous request should bypass, got %d", rec.Code)
	}
}
