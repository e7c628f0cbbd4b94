package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-hubsync/internal/hub"
	"github.com/nerrad567/gray-logic-hubsync/internal/notify"
	"github.com/nerrad567/gray-logic-hubsync/internal/state"
)

const healthCheckTimeout = 2 * time.Second

// Health status values.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

type reconcilerHealth struct {
	state.Health
	Stats state.Stats `json:"stats"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Hub        *hub.Stats        `json:"hub,omitempty"`
	Reconciler reconcilerHealth  `json:"reconciler"`
	Notify     *notify.Stats     `json:"notify,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// handleHealth reports 200 while the reconciler is healthy and 503 once the
// degraded signal is raised. Optional component failures are listed but do
// not change the status code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  statusOK,
		Version: s.version,
		Reconciler: reconcilerHealth{
			Health: s.state.Health(),
			Stats:  s.state.Stats(),
		},
	}
	if s.hub != nil {
		stats := s.hub.Stats()
		resp.Hub = &stats
	}
	if s.notify != nil {
		stats := s.notify.Stats()
		resp.Notify = &stats
	}

	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp.Components = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check.HealthCheck(ctx); err != nil {
				resp.Components[name] = err.Error()
				continue
			}
			resp.Components[name] = statusOK
		}
	}

	status := http.StatusOK
	if resp.Reconciler.Degraded {
		resp.Status = statusDegraded
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
