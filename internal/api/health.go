package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

// Health reports store connectivity and which collaborators are configured.
// It answers 503 only when the store is unreachable; a failing retrieval
// service degrades replies but does not stop the server from serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]interface{}{
		"status":   "ok",
		"store":    "ok",
		"features": h.features,
	}

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check: store unreachable", "error", err)
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
		body["store"] = "unreachable"
	}

	switch {
	case h.retrieval == nil:
		body["retrieval"] = "disabled"
	default:
		if err := h.retrieval.Health(ctx); err != nil {
			h.logger.Warn("Health check: retrieval unavailable", "error", err)
			body["retrieval"] = "unavailable"
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
		} else {
			body["retrieval"] = "ok"
		}
	}

	JSON(w, status, body)
}
