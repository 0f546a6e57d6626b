package handlers

import (
	"net/http"
	"time"
)

// PauseEngine stops workers from picking up new tasks.
func (h *Handlers) PauseEngine(w http.ResponseWriter, _ *http.Request) {
	h.svc.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeEngine reverses PauseEngine.
func (h *Handlers) ResumeEngine(w http.ResponseWriter, _ *http.Request) {
	h.svc.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// CleanupStore expires old store records.
func (h *Handlers) CleanupStore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxAge         string `json:"maxAge"`
		ExcludeFolders bool   `json:"excludeFolders"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	maxAge, err := time.ParseDuration(body.MaxAge)
	if err != nil || maxAge <= 0 {
		writeError(w, http.StatusBadRequest, "maxAge must be a positive duration")
		return
	}

	removed, err := h.svc.Store().CleanupExpired(r.Context(), maxAge, body.ExcludeFolders)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// ClearFailures forgets every blacklisted path.
func (h *Handlers) ClearFailures(w http.ResponseWriter, r *http.Request) {
	removed, err := h.svc.ClearFailures(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clear failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// VacuumStore compacts the database file.
func (h *Handlers) VacuumStore(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Store().Vacuum(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "vacuum failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
