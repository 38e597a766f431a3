package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
)

// healthCheckTimeout bounds each component check.
const healthCheckTimeout = 2 * time.Second

// handleHealth reports overall status: "ok" when every component check
// passes and every adapter is healthy, "degraded" otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	adapters := make(map[string]lumencache.HealthStatus, len(s.adapters))
	for _, id := range s.order {
		h := s.adapters[id].Bridge.Health()
		adapters[id] = h.Status
		if h.Status != lumencache.HealthHealthy {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"components":     components,
		"adapters":       adapters,
	})
}
