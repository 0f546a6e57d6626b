package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
)

// controller adapts the number of tasks the pool may run concurrently.
// Latency or failure pressure shrinks the budget toward a floor; a healthy
// backlog grows it back toward the pool size. Workers read the budget
// atomically before popping.
type controller struct {
	budget atomic.Int32
	floor  int32
	cap    int32

	interval     time.Duration
	latencyLimit time.Duration
	failPercent  int
	backlogLimit int

	mu        sync.Mutex
	latencies time.Duration
	completed int
	failed    int

	backlog func() int

	stop chan struct{}
	done chan struct{}
}

func newController(cfg Config, backlog func() int) *controller {
	floor := int32(cfg.Workers / 3)
	if floor < 2 {
		floor = 2
	}
	c := &controller{
		floor:        floor,
		cap:          int32(cfg.Workers),
		interval:     cfg.ControlInterval,
		latencyLimit: cfg.LatencyThreshold,
		failPercent:  cfg.FailurePercent,
		backlogLimit: cfg.BacklogThreshold,
		backlog:      backlog,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.budget.Store(c.cap)
	metrics.WorkerBudget.Set(float64(c.cap))
	return c
}

// Budget returns how many tasks may currently run at once.
func (c *controller) Budget() int {
	return int(c.budget.Load())
}

// RecordResult feeds one finished task into the current window.
func (c *controller) RecordResult(latency time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	c.latencies += latency
	if !ok {
		c.failed++
	}
}

// Start launches the control loop.
func (c *controller) Start() {
	go c.run()
}

// Close stops the loop.
func (c *controller) Close() {
	close(c.stop)
	<-c.done
}

func (c *controller) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stop:
			return
		}
	}
}

// tick evaluates the last window and nudges the budget one step.
func (c *controller) tick() {
	c.mu.Lock()
	completed := c.completed
	failed := c.failed
	total := c.latencies
	c.completed, c.failed, c.latencies = 0, 0, 0
	c.mu.Unlock()

	backlog := c.backlog()
	cur := c.budget.Load()

	if completed == 0 {
		// Cold start: nothing finished in the window but a real backlog is
		// waiting, so creep back up rather than sitting at a shrunken
		// budget. A handful of queued tasks is not pressure.
		if backlog > c.backlogLimit && cur < c.cap {
			c.setBudget(cur + 1)
		}
		return
	}

	avgLatency := total / time.Duration(completed)
	failPct := failed * 100 / completed

	switch {
	case avgLatency > c.latencyLimit || failPct > c.failPercent:
		if cur > c.floor {
			c.setBudget(cur - 1)
			logging.Debug("Controller: scaling down to %d (avg %v, fail %d%%)",
				cur-1, avgLatency, failPct)
		}
	case backlog > c.backlogLimit:
		if cur < c.cap {
			c.setBudget(cur + 1)
			logging.Debug("Controller: scaling up to %d (backlog %d)", cur+1, backlog)
		}
	}
}

func (c *controller) setBudget(n int32) {
	if n < c.floor {
		n = c.floor
	}
	if n > c.cap {
		n = c.cap
	}
	c.budget.Store(n)
	metrics.WorkerBudget.Set(float64(n))
}
