package handlers

import (
	"net/http"

	"media-thumbnailer/internal/startup"
)

// HealthCheck reports overall service health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Store().Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": "store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LivenessCheck only proves the process is serving requests.
func (h *Handlers) LivenessCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessCheck gates traffic until the presence index has warmed, so
// early viewport requests do not regenerate every thumbnail in the store.
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	stats := h.svc.Stats()
	if !stats.IndexReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "warming",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// GetVersion reports build information.
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, startup.GetBuildInfo())
}
