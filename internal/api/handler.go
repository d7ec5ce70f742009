// Package api provides the HTTP and WebSocket inbound interface of the
// registration engine.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/engine"
	"github.com/ashureev/farmreg/internal/metrics"
	"github.com/ashureev/farmreg/internal/resilience"
	"github.com/go-chi/chi/v5"
)

// Engine is the part of the registration engine the API needs.
type Engine interface {
	HandleTurn(ctx context.Context, in engine.Inbound) engine.Response
	Session(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Pinger reports whether the primary store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Engine   Engine
	Limiter  *RateLimiter
	Breakers *resilience.Set
	Store    Pinger
	// Degraded reports whether sessions are currently held in memory only.
	Degraded      func() bool
	Metrics       *metrics.Recorder
	AllowedOrigin string
	Development   bool
	Logger        *slog.Logger
}

// Handler serves the inbound turn interface.
type Handler struct {
	engine        Engine
	limiter       *RateLimiter
	breakers      *resilience.Set
	store         Pinger
	degraded      func() bool
	metrics       *metrics.Recorder
	allowedOrigin string
	development   bool
	logger        *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Degraded == nil {
		cfg.Degraded = func() bool { return false }
	}
	return &Handler{
		engine:        cfg.Engine,
		limiter:       cfg.Limiter,
		breakers:      cfg.Breakers,
		store:         cfg.Store,
		degraded:      cfg.Degraded,
		metrics:       cfg.Metrics,
		allowedOrigin: cfg.AllowedOrigin,
		development:   cfg.Development,
		logger:        cfg.Logger,
	}
}

// RegisterRoutes registers the turn, session, WebSocket and dependency routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/turns", h.HandleTurn)
		r.Get("/sessions/{sessionID}", h.GetSession)
	})
	r.Get("/ws/turns", h.ServeWS)
	r.Get("/healthz/dependencies", h.Dependencies)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// allow applies the per-subject rate limit.
func (h *Handler) allow(subjectID string) bool {
	if h.limiter == nil || h.limiter.Allow(subjectID) {
		return true
	}
	h.metrics.RateLimited()
	return false
}
