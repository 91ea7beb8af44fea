package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anindo/mira/common/version"
	"github.com/anindo/mira/internal/mira/observability"
	"github.com/anindo/mira/internal/mira/store"
)

// healthServer exposes liveness, a small status document and the Prometheus
// metrics endpoint.
type healthServer struct {
	store     store.Store
	startedAt time.Time
}

func (h *healthServer) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	return r
}

func (h *healthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *healthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	users, err := h.store.UserCount(ctx)
	if err != nil {
		slog.Error("status: user count failed", "err", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Info(),
		"users":   users,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
