package handlers

import "net/http"

// HealthHandler reports liveness and the running version.
type HealthHandler struct {
	version string
}

// NewHealthHandler creates a health handler for version.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}
