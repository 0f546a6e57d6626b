package memory

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
)

// Config holds memory monitor settings.
type Config struct {
	// MemoryLimitBytes is the budget usage is measured against. Zero
	// means read GOMEMLIMIT; if that is unset too, monitoring is a no-op.
	MemoryLimitBytes int64

	// HighWaterMark is the usage fraction above which generation is
	// throttled (new tasks are slowed down).
	HighWaterMark float64

	// CriticalWaterMark is the usage fraction above which generation is
	// paused entirely until usage drops.
	CriticalWaterMark float64

	// CheckInterval is how often usage is sampled.
	CheckInterval time.Duration
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		HighWaterMark:     0.70,
		CriticalWaterMark: 0.85,
		CheckInterval:     5 * time.Second,
	}
}

// Stats is a snapshot of the monitor state.
type Stats struct {
	LimitBytes int64   `json:"limitBytes"`
	UsedBytes  uint64  `json:"usedBytes"`
	UsageRatio float64 `json:"usageRatio"`
	Throttled  bool    `json:"throttled"`
	Paused     bool    `json:"paused"`
}

// Monitor samples heap usage on a timer and exposes throttle/pause
// signals. It satisfies the engine's Throttler interface.
type Monitor struct {
	cfg       Config
	limit     int64
	usage     atomic.Uint64
	throttled atomic.Bool
	paused    atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a memory monitor. When cfg.MemoryLimitBytes is zero
// the limit comes from GOMEMLIMIT.
func NewMonitor(cfg Config) *Monitor {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultConfig().HighWaterMark
	}
	if cfg.CriticalWaterMark <= 0 {
		cfg.CriticalWaterMark = DefaultConfig().CriticalWaterMark
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}

	limit := cfg.MemoryLimitBytes
	if limit == 0 {
		// SetMemoryLimit(-1) reads the current limit without changing it.
		// MaxInt64 means no limit was configured.
		if l := debug.SetMemoryLimit(-1); l > 0 && l < int64(1)<<62 {
			limit = l
		}
	}

	return &Monitor{
		cfg:    cfg,
		limit:  limit,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic sampling. Without a limit the monitor stays
// inert and never throttles.
func (m *Monitor) Start() {
	if m.limit <= 0 {
		logging.Info("Memory monitor disabled: no memory limit configured")
		return
	}
	logging.Info("Memory monitor started: limit=%dMB high=%.0f%% critical=%.0f%%",
		m.limit/(1<<20), m.cfg.HighWaterMark*100, m.cfg.CriticalWaterMark*100)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) check() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.observe(ms.HeapAlloc)
}

// observe applies the water marks to a usage sample. Split out from
// check so tests can drive it without real allocations.
func (m *Monitor) observe(used uint64) {
	m.usage.Store(used)
	ratio := float64(used) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(ratio)

	switch {
	case ratio >= m.cfg.CriticalWaterMark:
		if !m.paused.Load() {
			logging.Warn("Memory usage critical (%.0f%%), pausing thumbnail generation", ratio*100)
		}
		m.paused.Store(true)
		m.throttled.Store(true)
		metrics.MemoryThrottleState.Set(2)
	case ratio >= m.cfg.HighWaterMark:
		if m.paused.Load() {
			logging.Info("Memory usage recovered below critical (%.0f%%), resuming throttled", ratio*100)
		}
		m.paused.Store(false)
		m.throttled.Store(true)
		metrics.MemoryThrottleState.Set(1)
	default:
		if m.throttled.Load() {
			logging.Info("Memory usage normal (%.0f%%)", ratio*100)
		}
		m.paused.Store(false)
		m.throttled.Store(false)
		metrics.MemoryThrottleState.Set(0)
	}
}

// ShouldThrottle reports whether usage is above the high water mark.
func (m *Monitor) ShouldThrottle() bool {
	return m.throttled.Load()
}

// IsPaused reports whether usage is above the critical water mark.
func (m *Monitor) IsPaused() bool {
	return m.paused.Load()
}

// GetStats returns a snapshot for the stats endpoint.
func (m *Monitor) GetStats() Stats {
	used := m.usage.Load()
	var ratio float64
	if m.limit > 0 {
		ratio = float64(used) / float64(m.limit)
	}
	return Stats{
		LimitBytes: m.limit,
		UsedBytes:  used,
		UsageRatio: ratio,
		Throttled:  m.throttled.Load(),
		Paused:     m.paused.Load(),
	}
}
