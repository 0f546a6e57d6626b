package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"media-thumbnailer/internal/logging"
)

// Event is one batch of ready notifications pushed to SSE subscribers.
// Only successes are ever broadcast; failed generations stay internal.
type Event struct {
	Type  string   `json:"type"` // always "ready"
	Paths []string `json:"paths"`
}

// EventBroker fans engine completion events out to SSE subscribers. It
// implements engine.Notifier; slow subscribers drop events rather than
// back-pressuring the workers.
type EventBroker struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

func NewEventBroker() *EventBroker {
	return &EventBroker{subscribers: make(map[chan Event]struct{})}
}

// ThumbnailsReady implements engine.Notifier.
func (b *EventBroker) ThumbnailsReady(paths []string) {
	if len(paths) == 0 {
		return
	}
	b.broadcast(Event{Type: "ready", Paths: paths})
}

func (b *EventBroker) broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; dropping is better than
			// stalling the worker that produced the event.
		}
	}
}

func (b *EventBroker) subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *EventBroker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// SubscriberCount returns the number of connected clients.
func (b *EventBroker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// StreamEvents serves the SSE endpoint.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.events.subscribe()
	defer h.events.unsubscribe(ch)
	logging.Debug("SSE: subscriber connected (%d total)", h.events.SubscriberCount())

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logging.Debug("SSE: subscriber disconnected")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: thumbnail\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
