package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-thumbnailer/internal/store"
)

// stubDecoder serves canned bytes without touching the filesystem.
type stubDecoder struct {
	mu     sync.Mutex
	calls  int
	out    []byte
	err    error
	failOn string
}

func (d *stubDecoder) generate(path string) ([]byte, error) {
	d.mu.Lock()
	d.calls++
	err, failOn := d.err, d.failOn
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if failOn != "" && path == failOn {
		return nil, errors.New("corrupt file")
	}
	return d.out, nil
}

func (d *stubDecoder) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *stubDecoder) GenerateFileThumbnail(path string) ([]byte, error)    { return d.generate(path) }
func (d *stubDecoder) GenerateArchiveThumbnail(path string) ([]byte, error) { return d.generate(path) }
func (d *stubDecoder) GenerateVideoThumbnail(path string) ([]byte, error)   { return d.generate(path) }

// chanNotifier feeds ready notifications to the test goroutine, both as a
// flat stream of paths and as the batches they arrived in.
type chanNotifier struct {
	ready   chan string
	batches chan []string
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{
		ready:   make(chan string, 256),
		batches: make(chan []string, 64),
	}
}

func (n *chanNotifier) ThumbnailsReady(paths []string) {
	n.batches <- paths
	for _, p := range paths {
		n.ready <- p
	}
}

func newTestService(t *testing.T, dec *stubDecoder) (*Service, *chanNotifier) {
	t.Helper()
	st, err := store.New(context.Background(), filepath.Join(t.TempDir(), "thumbs.db"))
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PopTimeout = 10 * time.Millisecond
	cfg.ControlInterval = time.Hour // keep the controller out of the way
	cfg.SaveDelay = 20 * time.Millisecond
	cfg.SaveFlushPoll = 10 * time.Millisecond

	notifier := newChanNotifier()
	s := NewService(cfg, st, dec, notifier)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, notifier
}

func waitReady(t *testing.T, n *chanNotifier, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-n.ready:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completion %d/%d", i+1, count)
		}
	}
}

// waitFailed polls the blacklist since failures never reach the notifier.
func waitFailed(t *testing.T, s *Service, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.index.IsFailed(path) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be blacklisted", path)
}

func TestServiceGeneratesVisibleThumbnails(t *testing.T) {
	dec := &stubDecoder{out: []byte("webp-bytes")}
	s, notifier := newTestService(t, dec)
	s.Start(context.Background())

	paths := []string{"/m/a.jpg", "/m/b.jpg", "/m/c.jpg"}
	accepted := s.RequestVisibleThumbnails("/m", paths, 1)
	if accepted != 3 {
		t.Fatalf("accepted = %d, want 3", accepted)
	}
	waitReady(t, notifier, 3)

	for _, p := range paths {
		blob, err := s.LookupThumbnail(context.Background(), p)
		if err != nil {
			t.Errorf("LookupThumbnail(%s) failed: %v", p, err)
			continue
		}
		if string(blob) != "webp-bytes" {
			t.Errorf("LookupThumbnail(%s) = %q", p, blob)
		}
	}

	stats := s.Stats()
	if stats.IndexFiles != 3 {
		t.Errorf("IndexFiles = %d, want 3", stats.IndexFiles)
	}
}

func TestServiceSuppressesRepeatRequests(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)
	s.Start(context.Background())

	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0); accepted != 1 {
		t.Fatalf("first request accepted = %d", accepted)
	}
	waitReady(t, notifier, 1)

	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0); accepted != 0 {
		t.Errorf("repeat request accepted = %d, want 0", accepted)
	}
	if dec.callCount() != 1 {
		t.Errorf("decoder called %d times, want 1", dec.callCount())
	}
}

func TestServiceFailureBlacklists(t *testing.T) {
	dec := &stubDecoder{err: errors.New("corrupt file")}
	s, notifier := newTestService(t, dec)
	s.Start(context.Background())

	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/bad.jpg"}, 0); accepted != 1 {
		t.Fatalf("accepted = %d", accepted)
	}
	waitFailed(t, s, "/m/bad.jpg")

	// Failures stay internal: the consumer only ever sees ready events
	select {
	case p := <-notifier.ready:
		t.Fatalf("failure surfaced to the notifier: %s", p)
	case <-time.After(50 * time.Millisecond):
	}

	// Blacklisted until failures are cleared
	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/bad.jpg"}, 0); accepted != 0 {
		t.Errorf("blacklisted path accepted = %d, want 0", accepted)
	}

	if _, err := s.ClearFailures(context.Background()); err != nil {
		t.Fatalf("ClearFailures() failed: %v", err)
	}
	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/bad.jpg"}, 0); accepted != 1 {
		t.Errorf("post-clear request accepted = %d, want 1", accepted)
	}
}

func TestServiceFailureIsolation(t *testing.T) {
	// One bad item must not poison its siblings
	dec := &stubDecoder{out: []byte("ok"), failOn: "/m/bad.jpg"}
	s, notifier := newTestService(t, dec)
	s.Start(context.Background())

	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg", "/m/bad.jpg", "/m/b.jpg"}, 0); accepted != 3 {
		t.Fatalf("accepted = %d", accepted)
	}
	waitReady(t, notifier, 2)
	waitFailed(t, s, "/m/bad.jpg")

	for _, p := range []string{"/m/a.jpg", "/m/b.jpg"} {
		if _, err := s.LookupThumbnail(context.Background(), p); err != nil {
			t.Errorf("sibling lookup %s failed: %v", p, err)
		}
	}
	if _, err := s.LookupThumbnail(context.Background(), "/m/bad.jpg"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("bad item lookup err = %v, want ErrNotFound", err)
	}
}

func TestServiceDirectorySwitchDiscardsQueued(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, _ := newTestService(t, dec)
	s.Pause()
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/one", []string{"/one/a.jpg", "/one/b.jpg"}, 0)
	if s.queue.TotalLen() != 2 {
		t.Fatalf("queued = %d, want 2", s.queue.TotalLen())
	}

	s.RequestVisibleThumbnails("/two", []string{"/two/c.jpg"}, 0)
	if s.queue.TotalLen() != 1 {
		t.Errorf("queued after switch = %d, want 1", s.queue.TotalLen())
	}

	// Drained reservations are released so the paths can be requested again
	if got := s.dedup.Stats().ActiveRequests; got != 1 {
		t.Errorf("active reservations = %d, want 1", got)
	}
}

func TestServicePauseResume(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)
	s.Pause()
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0)
	select {
	case <-notifier.ready:
		t.Fatal("paused engine produced a thumbnail")
	case <-time.After(50 * time.Millisecond):
	}

	s.Resume()
	waitReady(t, notifier, 1)
}

func TestServiceRemoveThumbnail(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0)
	waitReady(t, notifier, 1)

	if err := s.RemoveThumbnail(context.Background(), "/m/a.jpg"); err != nil {
		t.Fatalf("RemoveThumbnail() failed: %v", err)
	}
	if _, err := s.LookupThumbnail(context.Background(), "/m/a.jpg"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("lookup after remove err = %v, want ErrNotFound", err)
	}
}

func TestServiceRegenerate(t *testing.T) {
	dec := &stubDecoder{out: []byte("v1")}
	s, notifier := newTestService(t, dec)
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0)
	waitReady(t, notifier, 1)

	if err := s.RegenerateThumbnail(context.Background(), "/m", "/m/a.jpg"); err != nil {
		t.Fatalf("RegenerateThumbnail() failed: %v", err)
	}
	waitReady(t, notifier, 1)

	if dec.callCount() != 2 {
		t.Errorf("decoder called %d times, want 2", dec.callCount())
	}
	if _, err := s.LookupThumbnail(context.Background(), "/m/a.jpg"); err != nil {
		t.Errorf("lookup after regenerate failed: %v", err)
	}
}

func TestServiceCancelRequests(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, _ := newTestService(t, dec)
	s.Pause()
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg", "/m/b.jpg"}, 0)
	if cancelled := s.CancelRequests([]string{"/m/a.jpg"}); cancelled != 1 {
		t.Errorf("CancelRequests() = %d, want 1", cancelled)
	}
	if s.queue.TotalLen() != 1 {
		t.Errorf("queued = %d, want 1", s.queue.TotalLen())
	}
	// Cancelled path can be requested again immediately
	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0); accepted != 1 {
		t.Errorf("re-request accepted = %d, want 1", accepted)
	}
}

func TestServiceLookupReadsThroughStore(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, _ := newTestService(t, dec)

	// Seed the store directly; the engine has never seen this key
	if err := s.st.Save(context.Background(), store.Item{
		Key: "/m/cold.jpg", Category: store.CategoryFile, Blob: []byte("cold-bytes"),
	}); err != nil {
		t.Fatalf("seed Save() failed: %v", err)
	}

	blob, err := s.LookupThumbnail(context.Background(), "/m/cold.jpg")
	if err != nil {
		t.Fatalf("LookupThumbnail() failed: %v", err)
	}
	if string(blob) != "cold-bytes" {
		t.Errorf("LookupThumbnail() = %q", blob)
	}
	// Promoted into the memory tier
	if _, ok := s.PeekThumbnail("/m/cold.jpg"); !ok {
		t.Error("store hit was not promoted to the memory cache")
	}
}

func TestServiceStaleResultDiscardedAtEmit(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)

	// Drive publish directly: the pool is not started, so this models a
	// worker finishing after the user navigated away.
	_, oldEpoch := s.queue.SetDirectory("/one")
	s.queue.SetDirectory("/two")

	stale := Task{Path: "/one/a.jpg", Directory: "/one", FileType: FileTypeImage,
		Lane: LaneVisible, RequestEpoch: oldEpoch}
	s.publish(stale, []byte("stale-bytes"))

	if s.cache.Contains("/one/a.jpg") {
		t.Error("stale result landed in the memory cache")
	}
	if s.saves.Len() != 0 {
		t.Errorf("stale result queued for persistence: %d pending", s.saves.Len())
	}
	if s.index.HasAny("/one/a.jpg") {
		t.Error("stale result marked present in the index")
	}
	select {
	case p := <-notifier.ready:
		t.Fatalf("stale result notified: %s", p)
	default:
	}

	// A result from the current view still publishes normally
	fresh := Task{Path: "/two/b.jpg", Directory: "/two", FileType: FileTypeImage,
		Lane: LaneVisible, RequestEpoch: s.queue.Epoch()}
	s.publish(fresh, []byte("fresh-bytes"))
	if !s.cache.Contains("/two/b.jpg") {
		t.Error("current-epoch result not cached")
	}
}

func TestServiceCacheHitNotifiesImmediately(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0)
	waitReady(t, notifier, 1)

	// The repeat request enqueues nothing but still answers with a ready
	// notification from the cache.
	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0); accepted != 0 {
		t.Fatalf("repeat request accepted = %d, want 0", accepted)
	}
	waitReady(t, notifier, 1)
	if dec.callCount() != 1 {
		t.Errorf("decoder called %d times, want 1", dec.callCount())
	}
}

func TestServiceIndexHitLoadsFromStore(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)

	// Seed the store before the index warms; the memory cache is cold
	if err := s.st.Save(context.Background(), store.Item{
		Key: "/m/cold.jpg", Category: store.CategoryFile, Blob: []byte("cold-bytes"),
	}); err != nil {
		t.Fatalf("seed Save() failed: %v", err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for !s.index.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.index.Ready() {
		t.Fatal("index warm did not finish")
	}

	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/cold.jpg"}, 0); accepted != 0 {
		t.Fatalf("accepted = %d, want 0 for an indexed path", accepted)
	}
	waitReady(t, notifier, 1)

	if dec.callCount() != 0 {
		t.Errorf("decoder called %d times for a stored thumbnail, want 0", dec.callCount())
	}
	if _, ok := s.PeekThumbnail("/m/cold.jpg"); !ok {
		t.Error("stored thumbnail was not promoted to the memory cache")
	}
}

func TestServiceCancelDirectory(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, _ := newTestService(t, dec)
	s.Pause()
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg", "/m/b.jpg"}, 0)
	if cancelled := s.CancelDirectory("/m"); cancelled != 2 {
		t.Errorf("CancelDirectory() = %d, want 2", cancelled)
	}
	if s.queue.TotalLen() != 0 {
		t.Errorf("queued = %d, want 0", s.queue.TotalLen())
	}
	// Reservations are released so the paths can be requested again
	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0); accepted != 1 {
		t.Errorf("re-request accepted = %d, want 1", accepted)
	}
}

func TestServiceReadyNotificationsBatch(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)

	// A pending task keeps the queue non-empty so per-item flushes are
	// suppressed until the threshold.
	s.queue.Push(Task{Path: "/m/pending.jpg", Lane: LaneBackground})

	for i := 0; i < readyBatchSize-1; i++ {
		s.queueReady(pathN("r", i))
	}
	select {
	case b := <-notifier.batches:
		t.Fatalf("batch of %d flushed below the threshold", len(b))
	default:
	}

	s.queueReady("/m/threshold.jpg")
	select {
	case b := <-notifier.batches:
		if len(b) != readyBatchSize {
			t.Errorf("batch size = %d, want %d", len(b), readyBatchSize)
		}
	case <-time.After(time.Second):
		t.Fatal("threshold batch not flushed")
	}

	// With the queue observed empty a single path flushes immediately
	s.queue.TryPop()
	s.queueReady("/m/last.jpg")
	select {
	case b := <-notifier.batches:
		if len(b) != 1 || b[0] != "/m/last.jpg" {
			t.Errorf("idle flush batch = %v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("idle batch not flushed")
	}
}

func TestServiceUnknownExtensionBlacklists(t *testing.T) {
	dec := &stubDecoder{err: errors.New("no decodable content")}
	s, _ := newTestService(t, dec)
	s.Start(context.Background())

	// notes.txt is a file, not a folder guess; it runs the file pipeline
	// once and lands on the blacklist instead of retrying forever.
	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/notes.txt"}, 0); accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}
	waitFailed(t, s, "/m/notes.txt")

	if accepted := s.RequestVisibleThumbnails("/m", []string{"/m/notes.txt"}, 0); accepted != 0 {
		t.Errorf("blacklisted path accepted = %d, want 0", accepted)
	}
}

// panicDecoder blows up on every call.
type panicDecoder struct{}

func (panicDecoder) GenerateFileThumbnail(string) ([]byte, error)    { panic("decoder bug") }
func (panicDecoder) GenerateArchiveThumbnail(string) ([]byte, error) { panic("decoder bug") }
func (panicDecoder) GenerateVideoThumbnail(string) ([]byte, error)   { panic("decoder bug") }

func TestServicePanicIsolatedToTask(t *testing.T) {
	st, err := store.New(context.Background(), filepath.Join(t.TempDir(), "thumbs.db"))
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewService(DefaultConfig(), st, panicDecoder{}, nil)
	task := Task{Path: "/m/boom.jpg", FileType: FileTypeImage, Lane: LaneVisible}

	_, genErr := s.generate(task)
	if genErr == nil {
		t.Fatal("panicking decoder reported success")
	}
}

// stubThrottler simulates an external memory monitor.
type stubThrottler struct {
	throttle atomic.Bool
	pause    atomic.Bool
}

func (s *stubThrottler) ShouldThrottle() bool { return s.throttle.Load() }
func (s *stubThrottler) IsPaused() bool       { return s.pause.Load() }

func TestServiceThrottlerPausesWorkers(t *testing.T) {
	dec := &stubDecoder{out: []byte("x")}
	s, notifier := newTestService(t, dec)

	th := &stubThrottler{}
	th.pause.Store(true)
	s.SetThrottler(th)
	s.Start(context.Background())

	s.RequestVisibleThumbnails("/m", []string{"/m/a.jpg"}, 0)
	select {
	case <-notifier.ready:
		t.Fatal("memory-paused engine produced a thumbnail")
	case <-time.After(50 * time.Millisecond):
	}

	th.pause.Store(false)
	waitReady(t, notifier, 1)
}
