package httpserver

import (
	"net/http"
	"time"

	"github.com/yaotools/toolmeter/internal/health"
	"github.com/yaotools/toolmeter/internal/httpserver/protocol"
	"github.com/yaotools/toolmeter/internal/metrics"
	"github.com/yaotools/toolmeter/internal/version"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/healthz", Handler: http.HandlerFunc(e.handleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.handleMetrics)},
	}
}

func (e *healthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	if e.server.Health == nil {
		e.server.respondJSON(w, http.StatusOK, map[string]any{
			"status":    health.StatusHealthy,
			"version":   version.Info(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	status := e.server.Health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	e.server.respondJSON(w, code, map[string]any{
		"status":     status.Status,
		"version":    version.Info(),
		"timestamp":  status.Timestamp.UTC().Format(time.RFC3339),
		"components": status.Components,
	})
}

func (e *healthEndpoint) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if e.server.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(e.server.Metrics.GetSnapshot())))
}
