package api

import (
	"net/http"
	"time"
)

type HealthHandler struct {
	Version string
}

// Root identifies the service.
// GET /
func (h *HealthHandler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "camhub",
		"version": h.Version,
	})
}

// Health is the liveness probe.
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
