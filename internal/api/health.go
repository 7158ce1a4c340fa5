package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finsight-ai/finsight/internal/store"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	store store.Store
}

func NewHealthHandler(st store.Store) *HealthHandler {
	return &HealthHandler{store: st}
}

// RegisterRoutes registers health probe routes.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
}

// Health reports overall status. The server stays 200 with a degraded
// status when storage is down, since chat still works without it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	storage := "disabled"

	if h.store != nil {
		storage = "ok"
		if err := h.store.HealthCheck(r.Context()); err != nil {
			slog.Warn("Storage health check failed", "error", err)
			status = "degraded"
			storage = "unavailable"
		}
	}

	JSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"storage":   storage,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Live always answers 200 while the process is serving.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready answers 503 until the store is reachable, so load balancers
// hold traffic during warehouse startup.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.HealthCheck(r.Context()); err != nil {
			Error(w, http.StatusServiceUnavailable, "storage not ready")
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
