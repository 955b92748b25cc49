// Package testutil holds fakes shared by package tests.
package testutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// IPv4Server fakes an upstream inference or health endpoint on 127.0.0.1.
// Some CI sandboxes have no IPv6 loopback, which httptest may pick.
type IPv4Server struct {
	URL string

	srv  *httptest.Server
	once sync.Once
}

// NewIPv4Server starts handler on a tcp4 loopback port and closes it when
// the test ends. The test is skipped when tcp4 is unavailable.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp4 loopback unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()

	s := &IPv4Server{URL: srv.URL, srv: srv}
	t.Cleanup(s.Close)
	return s
}

// Client returns a client whose idle connections die with the server.
func (s *IPv4Server) Client() *http.Client {
	return s.srv.Client()
}

// Close stops the server. Calling it more than once is safe.
func (s *IPv4Server) Close() {
	s.once.Do(s.srv.Close)
}

// SSEHandler writes each line as its own event-stream frame, flushing and
// pausing between frames.
func SSEHandler(t *testing.T, gap time.Duration, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer does not support flushing")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
			if gap > 0 {
				time.Sleep(gap)
			}
		}
	}
}
