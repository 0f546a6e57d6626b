package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"media-thumbnailer/internal/engine"
	"media-thumbnailer/internal/store"
)

// requestBody is the viewport request payload. Either Items (explicit
// lanes) or Paths (all visible, ordered around CenterIndex) must be set.
type requestBody struct {
	Directory   string           `json:"directory"`
	Items       []engine.Request `json:"items,omitempty"`
	Paths       []string         `json:"paths,omitempty"`
	CenterIndex int              `json:"centerIndex"`
}

// RequestThumbnails enqueues generation work for a directory view.
func (h *Handlers) RequestThumbnails(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Directory == "" {
		writeError(w, http.StatusBadRequest, "directory is required")
		return
	}
	if len(body.Items) == 0 && len(body.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "items or paths are required")
		return
	}
	if !h.pathAllowed(body.Directory) {
		writeError(w, http.StatusForbidden, "directory outside the media root")
		return
	}

	var accepted int
	if len(body.Items) > 0 {
		accepted = h.svc.RequestThumbnails(body.Directory, body.Items)
	} else {
		accepted = h.svc.RequestVisibleThumbnails(body.Directory, body.Paths, body.CenterIndex)
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// CancelRequests drops queued work for specific paths, a whole directory,
// or both.
func (h *Handlers) CancelRequests(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Directory string   `json:"directory,omitempty"`
		Paths     []string `json:"paths,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Directory == "" && len(body.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "directory or paths are required")
		return
	}
	cancelled := 0
	if body.Directory != "" {
		cancelled += h.svc.CancelDirectory(body.Directory)
	}
	if len(body.Paths) > 0 {
		cancelled += h.svc.CancelRequests(body.Paths)
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

// GetThumbnail serves thumbnail bytes for a path key.
func (h *Handlers) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	key := h.pathKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	blob, err := h.svc.LookupThumbnail(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "thumbnail not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "thumbnail lookup failed")
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := w.Write(blob); err != nil {
		return
	}
}

// DeleteThumbnail removes a thumbnail from every tier.
func (h *Handlers) DeleteThumbnail(w http.ResponseWriter, r *http.Request) {
	key := h.pathKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := h.svc.RemoveThumbnail(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "path": key})
}

// RegenerateThumbnail forces a rebuild of one thumbnail.
func (h *Handlers) RegenerateThumbnail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Directory string `json:"directory"`
		Path      string `json:"path"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := h.svc.RegenerateThumbnail(r.Context(), body.Directory, body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, "regenerate failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "path": body.Path})
}

// GetStats reports engine and store statistics.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	storeStats, err := h.svc.Store().Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store stats failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine": h.svc.Stats(),
		"store":  storeStats,
	})
}

// pathKey extracts and normalizes the {path} route variable, restoring the
// leading slash that routing strips.
func (h *Handlers) pathKey(r *http.Request) string {
	key := mux.Vars(r)["path"]
	if key == "" {
		return ""
	}
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	return key
}

// pathAllowed rejects requests escaping the media root.
func (h *Handlers) pathAllowed(path string) bool {
	if h.mediaDir == "" {
		return true
	}
	cleaned := filepath.Clean(path)
	return cleaned == h.mediaDir || strings.HasPrefix(cleaned, h.mediaDir+string(filepath.Separator))
}
