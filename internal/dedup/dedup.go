package dedup

import (
	"sync"
	"time"

	"media-thumbnailer/internal/metrics"
)

// DefaultTimeout is how long a reservation stays valid before a new request
// for the same path may claim it again.
const DefaultTimeout = 30 * time.Second

// Stats reports deduplicator activity.
type Stats struct {
	TotalRequests  uint64 `json:"totalRequests"`
	Deduplicated   uint64 `json:"deduplicated"`
	ActiveRequests int    `json:"activeRequests"`
}

type reservation struct {
	startedAt time.Time
	requestID uint64
}

// Deduplicator tracks outstanding per-path reservations.
type Deduplicator struct {
	mu      sync.Mutex
	pending map[string]reservation
	timeout time.Duration
	nextID  uint64

	totalRequests uint64
	deduplicated  uint64
}

// New creates a Deduplicator with the default reservation timeout.
func New() *Deduplicator {
	return NewWithTimeout(DefaultTimeout)
}

// NewWithTimeout creates a Deduplicator with a custom reservation timeout.
func NewWithTimeout(timeout time.Duration) *Deduplicator {
	return &Deduplicator{
		pending: make(map[string]reservation),
		timeout: timeout,
		nextID:  1,
	}
}

// TryAcquire returns a fresh request id if no reservation for key is
// outstanding (or the outstanding one has expired). It returns (0, false)
// when the caller should skip enqueueing.
func (d *Deduplicator) TryAcquire(key string) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalRequests++
	metrics.DedupRequests.Inc()

	if r, ok := d.pending[key]; ok && time.Since(r.startedAt) < d.timeout {
		d.deduplicated++
		metrics.DedupSuppressed.Inc()
		return 0, false
	}

	id := d.nextID
	d.nextID++
	d.pending[key] = reservation{startedAt: time.Now(), requestID: id}
	return id, true
}

// Release clears the reservation for key regardless of holder.
func (d *Deduplicator) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, key)
}

// ReleaseWithID clears the reservation only if requestID matches the latest
// holder. This guards against a stale worker releasing a reservation that a
// retry has since re-acquired.
func (d *Deduplicator) ReleaseWithID(key string, requestID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.pending[key]; ok && r.requestID == requestID {
		delete(d.pending, key)
	}
}

// IsActive reports whether key currently holds a reservation.
func (d *Deduplicator) IsActive(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stats returns a snapshot of deduplicator activity.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		TotalRequests:  d.totalRequests,
		Deduplicated:   d.deduplicated,
		ActiveRequests: len(d.pending),
	}
}

// Clear drops all reservations.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = make(map[string]reservation)
}

// CleanupExpired drops reservations older than the timeout.
func (d *Deduplicator) CleanupExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, r := range d.pending {
		if time.Since(r.startedAt) >= d.timeout {
			delete(d.pending, key)
		}
	}
}
