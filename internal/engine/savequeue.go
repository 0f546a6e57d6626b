package engine

import (
	"context"
	"sync"
	"time"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/store"
)

// saveStore is the slice of the persistent index the save queue writes to.
type saveStore interface {
	Save(ctx context.Context, item store.Item) error
	SaveBatch(ctx context.Context, items []store.Item) error
}

// saveQueue batches freshly generated thumbnails before they hit SQLite,
// trading write amplification for a bounded delay. Pending entries remain
// readable through PeekBlob so a lookup between generation and flush never
// misses.
type saveQueue struct {
	st saveStore

	mu      sync.Mutex
	pending map[string]pendingSave

	delay     time.Duration
	threshold int
	poll      time.Duration

	stop chan struct{}
	done chan struct{}
}

type pendingSave struct {
	item     store.Item
	enqueued time.Time
}

func newSaveQueue(st saveStore, cfg Config) *saveQueue {
	return &saveQueue{
		st:        st,
		pending:   make(map[string]pendingSave),
		delay:     cfg.SaveDelay,
		threshold: cfg.SaveBatchThreshold,
		poll:      cfg.SaveFlushPoll,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the flush loop.
func (sq *saveQueue) Start() {
	go sq.run()
}

// Enqueue buffers an item for a later batched write. A second enqueue for
// the same key replaces the pending blob.
func (sq *saveQueue) Enqueue(item store.Item) {
	sq.mu.Lock()
	_, existed := sq.pending[item.Key]
	sq.pending[item.Key] = pendingSave{item: item, enqueued: time.Now()}
	depth := len(sq.pending)
	sq.mu.Unlock()

	if !existed {
		metrics.SaveQueueDepth.Set(float64(depth))
	}
}

// PeekBlob returns a pending blob by key, serving reads that arrive before
// the flush.
func (sq *saveQueue) PeekBlob(key string) ([]byte, bool) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if p, ok := sq.pending[key]; ok {
		out := make([]byte, len(p.item.Blob))
		copy(out, p.item.Blob)
		return out, true
	}
	return nil, false
}

// Remove drops a pending save, used when the thumbnail is deleted before
// it was ever written.
func (sq *saveQueue) Remove(key string) {
	sq.mu.Lock()
	delete(sq.pending, key)
	depth := len(sq.pending)
	sq.mu.Unlock()
	metrics.SaveQueueDepth.Set(float64(depth))
}

// Len returns the pending count.
func (sq *saveQueue) Len() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.pending)
}

// Flush writes everything pending right now, regardless of age.
func (sq *saveQueue) Flush(ctx context.Context) {
	sq.flush(ctx, true)
}

// Close stops the loop and synchronously flushes the remainder.
func (sq *saveQueue) Close(ctx context.Context) {
	close(sq.stop)
	<-sq.done
	sq.flush(ctx, true)
}

func (sq *saveQueue) run() {
	defer close(sq.done)
	ticker := time.NewTicker(sq.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sq.flush(context.Background(), false)
		case <-sq.stop:
			return
		}
	}
}

// flush takes the due entries and writes them in one batch; if the batch
// fails it degrades to per-item saves so one poisoned row cannot wedge the
// rest.
func (sq *saveQueue) flush(ctx context.Context, force bool) {
	sq.mu.Lock()
	if len(sq.pending) == 0 {
		sq.mu.Unlock()
		return
	}

	due := force || len(sq.pending) >= sq.threshold
	if !due {
		cutoff := time.Now().Add(-sq.delay)
		for _, p := range sq.pending {
			if p.enqueued.Before(cutoff) {
				due = true
				break
			}
		}
	}
	if !due {
		sq.mu.Unlock()
		return
	}

	items := make([]store.Item, 0, len(sq.pending))
	for _, p := range sq.pending {
		items = append(items, p.item)
	}
	sq.pending = make(map[string]pendingSave)
	sq.mu.Unlock()
	metrics.SaveQueueDepth.Set(0)

	if err := sq.st.SaveBatch(ctx, items); err != nil {
		logging.Warn("Save queue: batch of %d failed (%v), retrying per item", len(items), err)
		metrics.SaveQueueFlushes.WithLabelValues("fallback").Inc()
		saved := 0
		for _, item := range items {
			if err := sq.st.Save(ctx, item); err != nil {
				logging.Error("Save queue: failed to save %s: %v", item.Key, err)
				continue
			}
			saved++
		}
		metrics.SaveQueueFlushedItems.Add(float64(saved))
		return
	}

	metrics.SaveQueueFlushes.WithLabelValues("batch").Inc()
	metrics.SaveQueueFlushedItems.Add(float64(len(items)))
	logging.Debug("Save queue: flushed %d items", len(items))
}
