package ratelimit

import (
	"log"
	"net/http"
	"strconv"
)

// KeyFunc extracts the throttling key from a request. An empty key bypasses
// the limiter.
type KeyFunc func(*http.Request) string

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. onReject, when set, is called with the limiter scope.
func Middleware(l *Limiter, key KeyFunc, onReject func(scope string), logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !l.Allow(k) {
				retry := l.RetryAfter(k)
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
				w.Header().Set("X-RateLimit-Remaining", "0")
				if onReject != nil {
					onReject(l.Scope())
				}
				if logger != nil {
					logger.Printf("[ratelimit] %s limit exceeded path=%s", l.Scope(), r.URL.Path)
				}
				http.Error(w, `{"error":"rate limit exceeded, please try again later"}`, http.StatusTooManyRequests)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(l.Remaining(k)))
			next.ServeHTTP(w, r)
		})
	}
}
