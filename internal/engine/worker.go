package engine

import (
	"context"
	"fmt"
	"time"

	"media-thumbnailer/internal/generator"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/store"
)

// tokenBackoff is how long a worker sleeps after a stage-token miss before
// the requeued task can be retried.
const tokenBackoff = 5 * time.Millisecond

// worker is the pool loop: respect the pause flag and the adaptive budget,
// pop, validate, generate, publish.
func (s *Service) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.paused.Load() {
			time.Sleep(s.cfg.PopTimeout)
			continue
		}
		if s.throttler != nil && s.throttler.IsPaused() {
			time.Sleep(s.cfg.PopTimeout)
			continue
		}

		budget := s.ctrl.Budget()
		if s.throttler != nil && s.throttler.ShouldThrottle() {
			// Memory pressure halves the effective budget so the heap can
			// drain while visible work still trickles through.
			if budget = budget / 2; budget < 1 {
				budget = 1
			}
		}
		if int(s.active.Load()) >= budget {
			time.Sleep(tokenBackoff)
			continue
		}

		task, ok := s.queue.PopWithTimeout(s.cfg.PopTimeout)
		if !ok {
			// Idle moment: deliver whatever ready notifications accumulated.
			s.flushReady()
			continue
		}
		s.process(task)
	}
}

// process runs a single task end to end.
func (s *Service) process(task Task) {
	// A stale epoch means the user switched directories after this task
	// was queued; its output would be invisible, so drop it.
	if task.RequestEpoch != s.queue.Epoch() {
		s.discard(task, "stale_epoch")
		return
	}

	// Claim every stage token the type needs. A miss requeues the task at
	// the front of its lane so ordering is preserved, then backs off.
	held := make([]Stage, 0, 3)
	for _, stage := range stagesForType(task.FileType) {
		if !s.stages.TryAcquire(stage) {
			for _, h := range held {
				s.stages.Release(h)
			}
			s.queue.PushFront(task)
			time.Sleep(tokenBackoff)
			return
		}
		held = append(held, stage)
	}
	defer func() {
		for _, h := range held {
			s.stages.Release(h)
		}
	}()

	s.active.Add(1)
	metrics.ActiveWorkers.Inc()
	defer func() {
		s.active.Add(-1)
		metrics.ActiveWorkers.Dec()
	}()

	start := time.Now()
	blob, err := s.generate(task)
	latency := time.Since(start)

	metrics.GenerationDuration.WithLabelValues(task.FileType.String()).Observe(latency.Seconds())
	s.ctrl.RecordResult(latency, err == nil)

	if err != nil {
		s.fail(task, err)
		return
	}
	s.publish(task, blob)
}

// generate dispatches to the type-specific pipeline. A panicking decoder
// only fails its own task.
func (s *Service) generate(task Task) (blob []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation panicked for %s: %v", task.Path, r)
		}
	}()

	switch task.FileType {
	case FileTypeImage:
		return s.dec.GenerateFileThumbnail(task.Path)
	case FileTypeVideo:
		return s.dec.GenerateVideoThumbnail(task.Path)
	case FileTypeArchive:
		return s.dec.GenerateArchiveThumbnail(task.Path)
	case FileTypeFolder:
		return s.folders.Generate(context.Background(), task.Path)
	default:
		// Other and unknown types try the file pipeline; most will fail and
		// land on the blacklist.
		return s.dec.GenerateFileThumbnail(task.Path)
	}
}

// publish records a successful generation everywhere a later lookup could
// land: memory cache, save queue (files) and the presence index.
func (s *Service) publish(task Task, blob []byte) {
	// The epoch is re-checked at emit time: the user may have navigated
	// away mid-generation, and a stale result must not be cached or
	// persisted.
	if task.RequestEpoch != s.queue.Epoch() {
		s.discard(task, "stale_epoch")
		return
	}

	category := store.CategoryFile
	if task.FileType == FileTypeFolder {
		category = store.CategoryFolder
	}

	s.cache.Put(task.Path, blob)
	s.maybeCleanupCache()

	// The folder generator persists its own record; everything else goes
	// through the write-behind queue.
	if task.FileType != FileTypeFolder {
		sourcePath, _ := generator.SplitArchiveKey(task.Path)
		s.saves.Enqueue(store.Item{
			Key:      task.Path,
			Category: category,
			Size:     int64(len(blob)),
			GHash:    generator.Fingerprint(task.Path, generator.SourceSize(sourcePath)),
			Blob:     blob,
		})
	}

	s.index.MarkPresent(task.Path, category)
	s.dedup.ReleaseWithID(task.DedupKey, task.DedupRequestID)
	metrics.TasksCompleted.WithLabelValues(task.Lane.String()).Inc()
	s.queueReady(task.Path)

	// Idle flush: when the last pending task just finished there is no
	// point sitting on buffered writes for the full save delay.
	if s.queue.TotalLen() == 0 && int(s.active.Load()) <= 1 {
		go s.saves.Flush(context.Background())
	}
}

// fail records a failed generation. Folder failures are transient (the
// folder may gain a child thumbnail any moment) and are never blacklisted.
// The consumer is never told about failures; they surface only through the
// blacklist and stats.
func (s *Service) fail(task Task, genErr error) {
	logging.Warn("Generation failed for %s: %v", task.Path, genErr)
	metrics.TasksFailed.WithLabelValues(task.Lane.String()).Inc()

	if task.FileType != FileTypeFolder {
		s.index.MarkFailed(task.Path)
		if err := s.st.MarkFailed(context.Background(), task.Path, genErr.Error()); err != nil {
			logging.Warn("Failed to record failure for %s: %v", task.Path, err)
		}
	}

	s.dedup.ReleaseWithID(task.DedupKey, task.DedupRequestID)
}

// discard drops a task without running it, releasing its reservation.
func (s *Service) discard(task Task, reason string) {
	s.dedup.ReleaseWithID(task.DedupKey, task.DedupRequestID)
	metrics.TasksDiscarded.WithLabelValues(reason).Inc()
	logging.Debug("Discarded task %s (%s)", task.Path, reason)
}

// maybeCleanupCache trims the memory cache once it crosses the decay
// threshold of its byte budget.
func (s *Service) maybeCleanupCache() {
	threshold := s.cfg.MemoryCacheMaxBytes * int64(s.cfg.CleanupThresholdPercent) / 100
	if s.cache.Bytes() <= threshold {
		return
	}
	stats := s.cache.Cleanup(s.cfg.MemoryCacheMaxBytes, s.cfg.CleanupThresholdPercent, s.cfg.CleanupDropPercent)
	if stats.EvictedEntries > 0 {
		logging.Debug("Memory cache cleanup: evicted %d entries, %d bytes", stats.EvictedEntries, stats.EvictedBytes)
	}
}
