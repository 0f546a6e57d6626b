package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
)

// laneCount is fixed: visible, preload, background.
const laneCount = 3

// Queue is the three-lane scheduler. Producers push classified tasks;
// workers pop according to a deterministic weighted round-robin over a
// monotonically increasing tick.
type Queue struct {
	mu     sync.Mutex
	notify chan struct{}
	closed bool

	lanes  [laneCount]laneSlot
	queued map[string]Lane

	tick uint64
	seq  uint64

	epoch     atomic.Uint64
	directory string

	visibleBoostFactor int
	sideBoostFactor    int
}

// laneSlot is one lane's storage: a front buffer for requeued tasks plus
// the (CenterDistance, arrival) ordered body.
type laneSlot struct {
	front   []Task
	ordered []orderedTask
}

type orderedTask struct {
	Task
	seq uint64
}

func (l *laneSlot) len() int { return len(l.front) + len(l.ordered) }

// insert keeps the body ordered by (CenterDistance, arrival).
func (l *laneSlot) insert(t Task, seq uint64) {
	entry := orderedTask{Task: t, seq: seq}
	i := sort.Search(len(l.ordered), func(i int) bool {
		o := l.ordered[i]
		if o.CenterDistance != entry.CenterDistance {
			return o.CenterDistance > entry.CenterDistance
		}
		return o.seq > entry.seq
	})
	l.ordered = append(l.ordered, orderedTask{})
	copy(l.ordered[i+1:], l.ordered[i:])
	l.ordered[i] = entry
}

// NewQueue creates an empty queue with the given boost factors.
func NewQueue(cfg Config) *Queue {
	return &Queue{
		notify:             make(chan struct{}, 1),
		queued:             make(map[string]Lane),
		visibleBoostFactor: cfg.VisibleBoostFactor,
		sideBoostFactor:    cfg.SideBoostFactor,
	}
}

// Epoch returns the current queue epoch. Tasks stamped with an older epoch
// belong to an abandoned directory view.
func (q *Queue) Epoch() uint64 { return q.epoch.Load() }

// Directory returns the directory the queue currently serves.
func (q *Queue) Directory() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.directory
}

// SetDirectory records a directory switch: the epoch advances and every
// queued task is drained and returned so the caller can release its
// deduplicator reservations. A repeated call with the same directory is a
// no-op.
func (q *Queue) SetDirectory(dir string) (drained []Task, epoch uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dir == q.directory {
		return nil, q.epoch.Load()
	}
	q.directory = dir
	epoch = q.epoch.Add(1)
	drained = q.drainLocked()
	if len(drained) > 0 {
		logging.Debug("Queue: directory switch to %s drained %d tasks (epoch %d)", dir, len(drained), epoch)
	}
	return drained, epoch
}

// Push enqueues a task at its ordered position. It returns false when the
// path is already queued or the queue is closed.
func (q *Queue) Push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, dup := q.queued[t.Path]; dup {
		return false
	}

	q.seq++
	q.lanes[t.Lane].insert(t, q.seq)
	q.queued[t.Path] = t.Lane
	metrics.QueueDepth.WithLabelValues(t.Lane.String()).Inc()
	q.wake()
	return true
}

// PushFront requeues a popped task at the head of its lane, preserving its
// position ahead of ordered work. Used when stage tokens are exhausted.
func (q *Queue) PushFront(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.lanes[t.Lane].front = append(q.lanes[t.Lane].front, t)
	q.queued[t.Path] = t.Lane
	metrics.QueueDepth.WithLabelValues(t.Lane.String()).Inc()
	q.wake()
}

// PopWithTimeout removes the next task per the lane schedule, blocking up
// to timeout when the queue is empty. ok is false on timeout or close.
func (q *Queue) PopWithTimeout(timeout time.Duration) (Task, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Task{}, false
		}
		if t, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return Task{}, false
		}
	}
}

// TryPop is PopWithTimeout without the wait.
func (q *Queue) TryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Task{}, false
	}
	return q.popLocked()
}

// Remove discards any queued tasks for the given paths and returns them.
func (q *Queue) Remove(paths []string) []Task {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	return q.removeWhere(func(t Task) bool { return want[t.Path] })
}

// RemoveDirectory discards every queued task belonging to dir and returns
// them.
func (q *Queue) RemoveDirectory(dir string) []Task {
	return q.removeWhere(func(t Task) bool { return t.Directory == dir })
}

func (q *Queue) removeWhere(match func(Task) bool) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Task
	for lane := range q.lanes {
		slot := &q.lanes[lane]

		kept := slot.front[:0]
		for _, t := range slot.front {
			if match(t) {
				removed = append(removed, t)
			} else {
				kept = append(kept, t)
			}
		}
		slot.front = kept

		keptOrdered := slot.ordered[:0]
		for _, o := range slot.ordered {
			if match(o.Task) {
				removed = append(removed, o.Task)
			} else {
				keptOrdered = append(keptOrdered, o)
			}
		}
		slot.ordered = keptOrdered
	}
	for _, t := range removed {
		delete(q.queued, t.Path)
		metrics.QueueDepth.WithLabelValues(t.Lane.String()).Dec()
	}
	return removed
}

// DrainAll empties every lane and returns the drained tasks.
func (q *Queue) DrainAll() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// Len returns one lane's pending count.
func (q *Queue) Len(lane Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes[lane].len()
}

// TotalLen returns the pending count across all lanes.
func (q *Queue) TotalLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

// Contains reports whether a path is currently queued.
func (q *Queue) Contains(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[path]
	return ok
}

// Close wakes all blocked poppers and rejects further pushes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) totalLocked() int {
	total := 0
	for i := range q.lanes {
		total += q.lanes[i].len()
	}
	return total
}

func (q *Queue) drainLocked() []Task {
	var drained []Task
	for lane := range q.lanes {
		slot := &q.lanes[lane]
		drained = append(drained, slot.front...)
		for _, o := range slot.ordered {
			drained = append(drained, o.Task)
		}
		slot.front = nil
		slot.ordered = nil
		metrics.QueueDepth.WithLabelValues(Lane(lane).String()).Set(0)
	}
	q.queued = make(map[string]Lane)
	return drained
}

// popLocked advances the tick, picks the preferred lane, and falls back in
// priority order when that lane is empty.
func (q *Queue) popLocked() (Task, bool) {
	if q.totalLocked() == 0 {
		return Task{}, false
	}

	visible := q.lanes[LaneVisible].len()
	side := q.lanes[LanePreload].len() + q.lanes[LaneBackground].len()
	preferred := preferredLaneForTick(q.tick, visible, side, q.visibleBoostFactor, q.sideBoostFactor)
	q.tick++

	for _, lane := range []Lane{preferred, LaneVisible, LanePreload, LaneBackground} {
		slot := &q.lanes[lane]
		if len(slot.front) > 0 {
			t := slot.front[0]
			slot.front = slot.front[1:]
			delete(q.queued, t.Path)
			metrics.QueueDepth.WithLabelValues(lane.String()).Dec()
			return t, true
		}
		if len(slot.ordered) > 0 {
			t := slot.ordered[0].Task
			slot.ordered = slot.ordered[1:]
			delete(q.queued, t.Path)
			metrics.QueueDepth.WithLabelValues(lane.String()).Dec()
			return t, true
		}
	}
	return Task{}, false
}

// laneQuotas returns the round-robin slot counts for the current backlog
// shape. A visible-heavy backlog (visible >= side * visibleFactor, which
// includes an empty queue) floods slots toward the visible lane; a
// side-heavy backlog (side > visible * sideFactor) widens preload and
// background; anything in between runs the steady-state 6:2:1 split.
func laneQuotas(visibleCount, sideTotal, visibleFactor, sideFactor int) (visible, preload, background int) {
	switch {
	case visibleCount >= sideTotal*visibleFactor:
		return visibleFactor, 1, 1
	case sideTotal > visibleCount*sideFactor:
		return sideFactor, 3, 3
	default:
		return 6, 2, 1
	}
}

// preferredLaneForTick maps a tick to a lane deterministically: each cycle
// of visible+preload+background slots serves the lanes in proportion to
// their quotas. The quotas come from the lane depths at draw time.
func preferredLaneForTick(tick uint64, visibleCount, sideTotal, visibleFactor, sideFactor int) Lane {
	v, p, b := laneQuotas(visibleCount, sideTotal, visibleFactor, sideFactor)
	slot := tick % uint64(v+p+b)
	switch {
	case slot < uint64(v):
		return LaneVisible
	case slot < uint64(v+p):
		return LanePreload
	default:
		return LaneBackground
	}
}
