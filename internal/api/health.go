package api

import (
	"context"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

// HealthCheck reports database reachability, breaker state and reconciler
// counters. An open breaker degrades the report but does not fail it.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "shop-api",
	}
	if h.breakers != nil {
		response["circuit_breakers"] = h.breakers.Metrics()
		if h.breakers.AnyOpen() {
			response["status"] = "degraded"
		}
	}
	if h.reconciler != nil {
		response["reconciler"] = h.reconciler.Stats()
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Error("Health check: database unreachable")
		response["status"] = "unhealthy"
		response["error"] = "database connection failed"
		h.respondWithJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	h.respondWithJSON(w, http.StatusOK, response)
}
