package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"media-thumbnailer/internal/engine"
	"media-thumbnailer/internal/startup"
)

type Handlers struct {
	svc      *engine.Service
	events   *EventBroker
	mediaDir string
}

func New(svc *engine.Service, events *EventBroker, config *startup.Config) *Handlers {
	return &Handlers{
		svc:      svc,
		events:   events,
		mediaDir: config.MediaDir,
	}
}

// RegisterRoutes attaches every endpoint to the router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	r.HandleFunc("/thumb/{path:.*}", h.GetThumbnail).Methods("GET")
	r.HandleFunc("/events", h.StreamEvents).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/thumbnails/request", h.RequestThumbnails).Methods("POST")
	api.HandleFunc("/thumbnails/cancel", h.CancelRequests).Methods("POST")
	api.HandleFunc("/thumbnails/regenerate", h.RegenerateThumbnail).Methods("POST")
	api.HandleFunc("/thumbnail/{path:.*}", h.DeleteThumbnail).Methods("DELETE")
	api.HandleFunc("/stats", h.GetStats).Methods("GET")

	api.HandleFunc("/engine/pause", h.PauseEngine).Methods("POST")
	api.HandleFunc("/engine/resume", h.ResumeEngine).Methods("POST")

	api.HandleFunc("/maintenance/cleanup", h.CleanupStore).Methods("POST")
	api.HandleFunc("/maintenance/clear-failures", h.ClearFailures).Methods("POST")
	api.HandleFunc("/maintenance/vacuum", h.VacuumStore).Methods("POST")
}

// MetricsHandler returns the Prometheus metrics handler via promhttp.
func (h *Handlers) MetricsHandler() http.Handler {
	return metricsHandler()
}
