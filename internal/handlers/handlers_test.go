package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"media-thumbnailer/internal/engine"
	"media-thumbnailer/internal/startup"
	"media-thumbnailer/internal/store"
)

// stubDecoder returns canned webp bytes for any path.
type stubDecoder struct{}

func (stubDecoder) GenerateFileThumbnail(string) ([]byte, error)    { return []byte("webp"), nil }
func (stubDecoder) GenerateArchiveThumbnail(string) ([]byte, error) { return []byte("webp"), nil }
func (stubDecoder) GenerateVideoThumbnail(string) ([]byte, error)   { return []byte("webp"), nil }

type testEnv struct {
	h      *Handlers
	router *mux.Router
	svc    *engine.Service
	broker *EventBroker
}

func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	st, err := store.New(context.Background(), filepath.Join(t.TempDir(), "thumbs.db"))
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := engine.DefaultConfig()
	cfg.Workers = 2
	cfg.PopTimeout = 10 * time.Millisecond
	cfg.ControlInterval = time.Hour

	broker := NewEventBroker()
	svc := engine.NewService(cfg, st, stubDecoder{}, broker)
	if start {
		svc.Start(context.Background())
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })

	h := New(svc, broker, &startup.Config{MediaDir: "/m"})
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return &testEnv{h: h, router: router, svc: svc, broker: broker}
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func waitEvent(t *testing.T, ch chan Event, wantType string) Event {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Type != wantType {
			t.Fatalf("event type = %q, want %q", ev.Type, wantType)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q event", wantType)
		return Event{}
	}
}

func TestRequestThumbnailsValidation(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing directory", map[string]interface{}{"paths": []string{"/m/a.jpg"}}, http.StatusBadRequest},
		{"missing paths", map[string]interface{}{"directory": "/m"}, http.StatusBadRequest},
		{"outside media root", map[string]interface{}{"directory": "/etc", "paths": []string{"/etc/passwd"}}, http.StatusForbidden},
		{"escape attempt", map[string]interface{}{"directory": "/m/../etc", "paths": []string{"/m/../etc/passwd"}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, env.router, http.MethodPost, "/api/thumbnails/request", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/thumbnails/request", strings.NewReader("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d", rec.Code)
	}
}

func TestRequestAndServeThumbnail(t *testing.T) {
	env := newTestEnv(t, true)
	events := env.broker.subscribe()
	defer env.broker.unsubscribe(events)

	rec := doJSON(t, env.router, http.MethodPost, "/api/thumbnails/request", map[string]interface{}{
		"directory":   "/m",
		"paths":       []string{"/m/a.jpg"},
		"centerIndex": 0,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["accepted"] != 1 {
		t.Errorf("accepted = %d", resp["accepted"])
	}

	ev := waitEvent(t, events, "ready")
	if len(ev.Paths) != 1 || ev.Paths[0] != "/m/a.jpg" {
		t.Errorf("event paths = %v", ev.Paths)
	}

	get := doJSON(t, env.router, http.MethodGet, "/thumb/m/a.jpg", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("thumb status = %d: %s", get.Code, get.Body.String())
	}
	if ct := get.Header().Get("Content-Type"); ct != "image/webp" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := get.Body.String(); got != "webp" {
		t.Errorf("body = %q", got)
	}
}

func TestGetThumbnailNotFound(t *testing.T) {
	env := newTestEnv(t, false)
	rec := doJSON(t, env.router, http.MethodGet, "/thumb/m/missing.jpg", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelRequests(t *testing.T) {
	env := newTestEnv(t, false)
	env.svc.Pause()
	env.svc.Start(context.Background())

	doJSON(t, env.router, http.MethodPost, "/api/thumbnails/request", map[string]interface{}{
		"directory": "/m",
		"paths":     []string{"/m/a.jpg", "/m/b.jpg"},
	})

	rec := doJSON(t, env.router, http.MethodPost, "/api/thumbnails/cancel", map[string]interface{}{
		"paths": []string{"/m/a.jpg"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["cancelled"] != 1 {
		t.Errorf("cancelled = %d, want 1", resp["cancelled"])
	}

	if rec := doJSON(t, env.router, http.MethodPost, "/api/thumbnails/cancel", map[string]interface{}{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty cancel status = %d, want 400", rec.Code)
	}
}

func TestCancelRequestsByDirectory(t *testing.T) {
	env := newTestEnv(t, false)
	env.svc.Pause()
	env.svc.Start(context.Background())

	doJSON(t, env.router, http.MethodPost, "/api/thumbnails/request", map[string]interface{}{
		"directory": "/m",
		"paths":     []string{"/m/a.jpg", "/m/b.jpg", "/m/c.jpg"},
	})

	rec := doJSON(t, env.router, http.MethodPost, "/api/thumbnails/cancel", map[string]interface{}{
		"directory": "/m",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["cancelled"] != 3 {
		t.Errorf("cancelled = %d, want 3", resp["cancelled"])
	}
}

func TestDeleteThumbnail(t *testing.T) {
	env := newTestEnv(t, true)
	events := env.broker.subscribe()
	defer env.broker.unsubscribe(events)

	doJSON(t, env.router, http.MethodPost, "/api/thumbnails/request", map[string]interface{}{
		"directory": "/m", "paths": []string{"/m/a.jpg"},
	})
	waitEvent(t, events, "ready")

	rec := doJSON(t, env.router, http.MethodDelete, "/api/thumbnail/m/a.jpg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if get := doJSON(t, env.router, http.MethodGet, "/thumb/m/a.jpg", nil); get.Code != http.StatusNotFound {
		t.Errorf("post-delete status = %d, want 404", get.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	rec := doJSON(t, env.router, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if _, ok := resp["engine"]; !ok {
		t.Error("stats missing engine section")
	}
	if _, ok := resp["store"]; !ok {
		t.Error("stats missing store section")
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	if rec := doJSON(t, env.router, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("/health = %d", rec.Code)
	}
	if rec := doJSON(t, env.router, http.MethodGet, "/livez", nil); rec.Code != http.StatusOK {
		t.Errorf("/livez = %d", rec.Code)
	}

	// Readiness flips once the presence index warms
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := doJSON(t, env.router, http.MethodGet, "/readyz", nil)
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("/readyz never became ready, last = %d", rec.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec := doJSON(t, env.router, http.MethodGet, "/version", nil); rec.Code != http.StatusOK {
		t.Errorf("/version = %d", rec.Code)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	if rec := doJSON(t, env.router, http.MethodPost, "/api/engine/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if !env.svc.IsPaused() {
		t.Error("engine not paused")
	}
	if rec := doJSON(t, env.router, http.MethodPost, "/api/engine/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if env.svc.IsPaused() {
		t.Error("engine still paused")
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := doJSON(t, env.router, http.MethodPost, "/api/maintenance/cleanup", map[string]string{"maxAge": "24h"})
	if rec.Code != http.StatusOK {
		t.Errorf("cleanup status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, env.router, http.MethodPost, "/api/maintenance/cleanup", map[string]string{"maxAge": "not-a-duration"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad cleanup status = %d", rec.Code)
	}
	rec = doJSON(t, env.router, http.MethodPost, "/api/maintenance/clear-failures", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("clear-failures status = %d", rec.Code)
	}
	rec = doJSON(t, env.router, http.MethodPost, "/api/maintenance/vacuum", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("vacuum status = %d", rec.Code)
	}
}

func TestEventBrokerBroadcast(t *testing.T) {
	b := NewEventBroker()
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	b.ThumbnailsReady([]string{"/m/a.jpg", "/m/b.jpg"})
	ev := waitEvent(t, ch, "ready")
	if len(ev.Paths) != 2 || ev.Paths[0] != "/m/a.jpg" || ev.Paths[1] != "/m/b.jpg" {
		t.Errorf("paths = %v", ev.Paths)
	}

	// Empty batches are not broadcast
	b.ThumbnailsReady(nil)
	select {
	case ev := <-ch:
		t.Fatalf("empty batch broadcast: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBrokerDropsSlowSubscribers(t *testing.T) {
	b := NewEventBroker()
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	// Channel capacity is 64; overflow must not block the broadcaster
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.ThumbnailsReady([]string{"/m/a.jpg"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestStreamEventsDeliversSSE(t *testing.T) {
	env := newTestEnv(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	handlerDone := make(chan struct{})
	go func() {
		env.router.ServeHTTP(rec, req)
		close(handlerDone)
	}()

	// Wait for the subscription before broadcasting
	deadline := time.Now().Add(2 * time.Second)
	for env.broker.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	env.broker.ThumbnailsReady([]string{"/m/a.jpg"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-handlerDone

	body := rec.Body.String()
	if !strings.Contains(body, "event: thumbnail") || !strings.Contains(body, "/m/a.jpg") {
		t.Errorf("SSE body = %q", body)
	}
}
