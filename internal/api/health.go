package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/ragops-web/internal/store"
)

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Len() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo     store.Repository
	sessions SessionCounter
	timeout  time.Duration
}

// NewHealthHandler creates a new health handler. repo may be nil.
func NewHealthHandler(repo store.Repository, sessions SessionCounter, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{repo: repo, sessions: sessions, timeout: timeout}
}

// Health reports that the process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports the live session count and database reachability.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := map[string]interface{}{
		"status":   "ready",
		"sessions": h.sessions.Len(),
		"database": "ok",
	}
	statusCode := http.StatusOK

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Readiness check failed", "error", err)
			status["status"] = "degraded"
			status["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
}
