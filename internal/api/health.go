package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/farmreg/internal/resilience"
)

const healthCheckTimeout = 5 * time.Second

// DependencyReport is the body of GET /healthz/dependencies.
type DependencyReport struct {
	Status   string              `json:"status"`
	Degraded bool                `json:"degraded"`
	Store    string              `json:"store"`
	Breakers []resilience.Status `json:"breakers,omitempty"`
}

// Dependencies reports breaker states, store reachability and the degraded
// flag. The engine keeps answering while degraded, so only an unreachable
// store turns the response into 503.
func (h *Handler) Dependencies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := DependencyReport{
		Status:   "healthy",
		Degraded: h.degraded(),
		Store:    "ok",
	}
	if h.breakers != nil {
		report.Breakers = h.breakers.Snapshot()
		for _, st := range report.Breakers {
			if st.State != resilience.StateClosed.String() {
				report.Status = "degraded"
			}
		}
	}
	if report.Degraded {
		report.Status = "degraded"
	}

	statusCode := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			report.Store = "unreachable"
			report.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	JSON(w, statusCode, report)
}
