package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"media-thumbnailer/internal/dedup"
	"media-thumbnailer/internal/generator"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/memcache"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/store"
)

// Notifier receives batches of ready notifications, typically fanned out
// to SSE subscribers. Failures are never surfaced here; they only land in
// the failure blacklist. Implementations must not block.
type Notifier interface {
	ThumbnailsReady(paths []string)
}

// Throttler lets an external memory monitor apply backpressure to the
// pool. Implementations must be safe for concurrent use.
type Throttler interface {
	ShouldThrottle() bool
	IsPaused() bool
}

// Request is one item of a viewport request.
type Request struct {
	Path string `json:"path"`
	// Lane defaults to visible when unset.
	Lane Lane `json:"lane"`
	// CenterDistance is the item's distance from the viewport center.
	CenterDistance int `json:"centerDistance"`
}

// Service owns the whole pipeline: queue, pool, caches, store and
// controller. One instance serves the process.
type Service struct {
	cfg     Config
	queue   *Queue
	dedup   *dedup.Deduplicator
	cache   *memcache.Cache
	st      *store.Store
	saves   *saveQueue
	index   *presenceIndex
	stages  *stageTokens
	ctrl    *controller
	dec     generator.Decoder
	folders *generator.FolderGenerator

	notifier  Notifier
	throttler Throttler

	readyMu      sync.Mutex
	readyPending []string

	active  atomic.Int32
	paused  atomic.Bool
	started atomic.Bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewService wires the pipeline together. notifier may be nil.
func NewService(cfg Config, st *store.Store, dec generator.Decoder, notifier Notifier) *Service {
	cfg = cfg.Normalize()
	s := &Service{
		cfg:      cfg,
		queue:    NewQueue(cfg),
		dedup:    dedup.NewWithTimeout(cfg.DedupTimeout),
		cache:    memcache.New(cfg.MemoryCacheMaxEntries),
		st:       st,
		index:    newPresenceIndex(),
		stages:   newStageTokens(cfg),
		dec:      dec,
		folders:  generator.NewFolderGenerator(dec, st),
		notifier: notifier,
		stopCh:   make(chan struct{}),
	}
	s.saves = newSaveQueue(st, cfg)
	s.ctrl = newController(cfg, s.queue.TotalLen)
	return s
}

// SetThrottler installs a memory backpressure source. Call before Start.
func (s *Service) SetThrottler(t Throttler) {
	s.throttler = t
}

// Start warms the index and launches the pool, controller and save queue.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	logging.Info("Engine starting: %d workers, %d/%d/%d stage tokens, %dMB cache budget",
		s.cfg.Workers, s.cfg.DecodeTokens, s.cfg.ScaleTokens, s.cfg.EncodeTokens,
		s.cfg.MemoryCacheMaxBytes>>20)

	go s.index.Warm(ctx, s.st)
	s.saves.Start()
	s.ctrl.Start()

	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(i)
	}
}

// Stop drains the pool and synchronously flushes pending saves.
func (s *Service) Stop(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	close(s.stopCh)
	s.queue.Close()
	s.wg.Wait()
	s.flushReady()
	s.ctrl.Close()
	s.saves.Close(ctx)
	logging.Info("Engine stopped")
}

// RequestThumbnails enqueues work for a directory view. A directory change
// invalidates everything still queued for the previous view. Paths already
// in the memory cache are answered with an immediate ready notification;
// paths known to the persistent index are loaded from the store off the
// request path. Returns how many tasks were actually enqueued after dedup
// and presence filtering.
func (s *Service) RequestThumbnails(dir string, reqs []Request) int {
	drained, epoch := s.queue.SetDirectory(dir)
	s.releaseDrained(drained, "directory_switch")

	accepted := 0
	var cached, stored []string
	for i, r := range reqs {
		switch s.enqueue(dir, r, i, epoch) {
		case enqueueAccepted:
			accepted++
		case enqueueCacheHit:
			cached = append(cached, r.Path)
		case enqueueIndexHit:
			stored = append(stored, r.Path)
		}
	}
	metrics.TasksEnqueued.WithLabelValues("mixed").Add(float64(accepted))

	s.notifyReady(cached)
	if len(stored) > 0 {
		go s.loadStored(stored)
	}
	return accepted
}

// RequestVisibleThumbnails is the scroll hot path: every path lands in the
// visible lane ordered by distance from centerIndex.
func (s *Service) RequestVisibleThumbnails(dir string, paths []string, centerIndex int) int {
	reqs := make([]Request, len(paths))
	for i, p := range paths {
		dist := i - centerIndex
		if dist < 0 {
			dist = -dist
		}
		reqs[i] = Request{Path: p, Lane: LaneVisible, CenterDistance: dist}
	}
	return s.RequestThumbnails(dir, reqs)
}

type enqueueResult int

const (
	enqueueSkipped enqueueResult = iota
	enqueueAccepted
	enqueueCacheHit
	enqueueIndexHit
)

// enqueue filters one request and pushes it.
func (s *Service) enqueue(dir string, r Request, index int, epoch uint64) enqueueResult {
	fileType := classifyPath(r.Path)

	// Known-bad files stay failed until explicitly cleared. Folders are
	// exempt: a child thumbnail can appear at any time.
	if fileType != FileTypeFolder && s.index.IsFailed(r.Path) {
		metrics.TasksDiscarded.WithLabelValues("blacklisted").Inc()
		return enqueueSkipped
	}
	if s.cache.Contains(r.Path) {
		return enqueueCacheHit
	}
	if s.index.HasAny(r.Path) {
		return enqueueIndexHit
	}

	requestID, ok := s.dedup.TryAcquire(r.Path)
	if !ok {
		return enqueueSkipped
	}

	task := Task{
		Path:           r.Path,
		Directory:      dir,
		FileType:       fileType,
		Lane:           r.Lane,
		CenterDistance: r.CenterDistance,
		OriginalIndex:  index,
		DedupKey:       r.Path,
		DedupRequestID: requestID,
		RequestEpoch:   epoch,
	}
	if !s.queue.Push(task) {
		s.dedup.ReleaseWithID(r.Path, requestID)
		return enqueueSkipped
	}
	return enqueueAccepted
}

// Stored thumbnails are promoted in chunks so one big directory cannot pin
// the store; the chunk shrinks while generation work is waiting.
const (
	storedLoadChunkIdle = 64
	storedLoadChunkBusy = 16
)

// loadStored promotes index-known thumbnails from the store into the memory
// cache and notifies the consumer per chunk. Entries the store no longer
// holds are dropped from the index so the next request regenerates them.
func (s *Service) loadStored(keys []string) {
	ctx := context.Background()
	for start := 0; start < len(keys); {
		chunk := storedLoadChunkIdle
		if s.queue.TotalLen() > 0 {
			chunk = storedLoadChunkBusy
		}
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}

		var ready []string
		for _, key := range keys[start:end] {
			if _, err := s.LookupThumbnail(ctx, key); err != nil {
				logging.Debug("Stored thumbnail missing for %s, dropping index entry: %v", key, err)
				s.index.Remove(key)
				continue
			}
			ready = append(ready, key)
		}
		s.notifyReady(ready)
		start = end
	}
}

// CancelRequests drops queued work for the given paths. Tasks already
// executing finish normally.
func (s *Service) CancelRequests(paths []string) int {
	removed := s.queue.Remove(paths)
	s.releaseDrained(removed, "cancelled")
	return len(removed)
}

// CancelDirectory drops all queued work for one directory. Tasks already
// executing finish normally.
func (s *Service) CancelDirectory(dir string) int {
	removed := s.queue.RemoveDirectory(dir)
	s.releaseDrained(removed, "cancelled")
	return len(removed)
}

// readyBatchSize caps how many ready paths accumulate before a flush.
const readyBatchSize = 16

// queueReady buffers one ready path; the batch flushes when it reaches the
// size threshold or the queue is observed empty.
func (s *Service) queueReady(path string) {
	s.readyMu.Lock()
	s.readyPending = append(s.readyPending, path)
	var batch []string
	if len(s.readyPending) >= readyBatchSize || s.queue.TotalLen() == 0 {
		batch = s.readyPending
		s.readyPending = nil
	}
	s.readyMu.Unlock()
	s.notifyReady(batch)
}

// flushReady sends whatever is buffered regardless of batch size.
func (s *Service) flushReady() {
	s.readyMu.Lock()
	batch := s.readyPending
	s.readyPending = nil
	s.readyMu.Unlock()
	s.notifyReady(batch)
}

func (s *Service) notifyReady(paths []string) {
	if s.notifier == nil || len(paths) == 0 {
		return
	}
	s.notifier.ThumbnailsReady(paths)
}

// releaseDrained frees the reservations of tasks that will never run.
func (s *Service) releaseDrained(tasks []Task, reason string) {
	for _, t := range tasks {
		s.dedup.ReleaseWithID(t.DedupKey, t.DedupRequestID)
		metrics.TasksDiscarded.WithLabelValues(reason).Inc()
	}
}

// LookupThumbnail is the read-through path: memory cache, then pending
// saves, then the store. A store hit is promoted into the memory cache.
func (s *Service) LookupThumbnail(ctx context.Context, key string) ([]byte, error) {
	if blob, ok := s.cache.Get(key); ok {
		return blob, nil
	}

	if blob, ok := s.saves.PeekBlob(key); ok {
		s.cache.PutIfAbsent(key, blob)
		return blob, nil
	}

	// The category order follows the path shape so the common case costs
	// one query.
	order := []string{store.CategoryFile, store.CategoryFolder}
	if IsLikelyFolder(key) {
		order[0], order[1] = order[1], order[0]
	}
	for _, category := range order {
		blob, err := s.st.Load(ctx, key, category)
		if err == nil {
			s.cache.PutIfAbsent(key, blob)
			s.index.MarkPresent(key, category)
			go func() {
				if err := s.st.UpdateAccessTime(context.Background(), key); err != nil {
					logging.Debug("Access time update failed for %s: %v", key, err)
				}
			}()
			return blob, nil
		}
	}
	return nil, store.ErrNotFound
}

// PeekThumbnail checks the memory tier only, without promoting recency.
func (s *Service) PeekThumbnail(key string) ([]byte, bool) {
	return s.cache.Peek(key)
}

// RemoveThumbnail deletes a thumbnail from every tier.
func (s *Service) RemoveThumbnail(ctx context.Context, key string) error {
	s.cache.Remove(key)
	s.saves.Remove(key)
	s.index.Remove(key)
	return s.st.Delete(ctx, key)
}

// RegenerateThumbnail forces a rebuild: the old record is removed and a
// fresh visible-lane task jumps the queue.
func (s *Service) RegenerateThumbnail(ctx context.Context, dir, key string) error {
	if err := s.RemoveThumbnail(ctx, key); err != nil {
		return err
	}

	requestID, ok := s.dedup.TryAcquire(key)
	if !ok {
		// Already being generated; the in-flight task will produce fresh
		// bytes since the stale record is gone.
		return nil
	}

	s.queue.PushFront(Task{
		Path:           key,
		Directory:      dir,
		FileType:       classifyPath(key),
		Lane:           LaneVisible,
		DedupKey:       key,
		DedupRequestID: requestID,
		RequestEpoch:   s.queue.Epoch(),
	})
	metrics.TasksEnqueued.WithLabelValues(LaneVisible.String()).Inc()
	return nil
}

// ClearFailures forgets every blacklisted path so the next request retries
// them.
func (s *Service) ClearFailures(ctx context.Context) (int64, error) {
	s.index.ClearFailures()
	return s.st.ClearFailed(ctx)
}

// Pause stops workers from picking up new tasks; queued work is kept.
func (s *Service) Pause() {
	s.paused.Store(true)
	logging.Info("Engine paused")
}

// Resume reverses Pause.
func (s *Service) Resume() {
	s.paused.Store(false)
	logging.Info("Engine resumed")
}

// IsPaused reports the pause flag.
func (s *Service) IsPaused() bool { return s.paused.Load() }

// EngineStats is the stats snapshot surfaced by the API.
type EngineStats struct {
	QueueVisible    int         `json:"queueVisible"`
	QueuePreload    int         `json:"queuePreload"`
	QueueBackground int         `json:"queueBackground"`
	ActiveTasks     int         `json:"activeTasks"`
	WorkerBudget    int         `json:"workerBudget"`
	PoolSize        int         `json:"poolSize"`
	Paused          bool        `json:"paused"`
	CacheEntries    int         `json:"cacheEntries"`
	CacheBytes      int64       `json:"cacheBytes"`
	CacheBudget     int64       `json:"cacheBudget"`
	PendingSaves    int         `json:"pendingSaves"`
	IndexFiles      int         `json:"indexFiles"`
	IndexFolders    int         `json:"indexFolders"`
	IndexFailed     int         `json:"indexFailed"`
	IndexReady      bool        `json:"indexReady"`
	Dedup           dedup.Stats `json:"dedup"`
}

// Stats snapshots the engine state.
func (s *Service) Stats() EngineStats {
	files, folders, failed := s.index.Counts()
	return EngineStats{
		QueueVisible:    s.queue.Len(LaneVisible),
		QueuePreload:    s.queue.Len(LanePreload),
		QueueBackground: s.queue.Len(LaneBackground),
		ActiveTasks:     int(s.active.Load()),
		WorkerBudget:    s.ctrl.Budget(),
		PoolSize:        s.cfg.Workers,
		Paused:          s.paused.Load(),
		CacheEntries:    s.cache.Len(),
		CacheBytes:      s.cache.Bytes(),
		CacheBudget:     s.cfg.MemoryCacheMaxBytes,
		PendingSaves:    s.saves.Len(),
		IndexFiles:      files,
		IndexFolders:    folders,
		IndexFailed:     failed,
		IndexReady:      s.index.Ready(),
		Dedup:           s.dedup.Stats(),
	}
}

// Store exposes the persistent index for maintenance endpoints.
func (s *Service) Store() *store.Store { return s.st }
