package memory

import (
	"testing"
	"time"
)

func testMonitor(limit int64) *Monitor {
	return NewMonitor(Config{
		MemoryLimitBytes:  limit,
		HighWaterMark:     0.70,
		CriticalWaterMark: 0.85,
		CheckInterval:     time.Millisecond,
	})
}

func TestObserveWaterMarks(t *testing.T) {
	m := testMonitor(1000)

	m.observe(500)
	if m.ShouldThrottle() || m.IsPaused() {
		t.Error("50% usage should be normal")
	}

	m.observe(750)
	if !m.ShouldThrottle() {
		t.Error("75% usage should throttle")
	}
	if m.IsPaused() {
		t.Error("75% usage should not pause")
	}

	m.observe(900)
	if !m.ShouldThrottle() || !m.IsPaused() {
		t.Error("90% usage should throttle and pause")
	}

	// Recovery steps back down through the same marks
	m.observe(800)
	if m.IsPaused() {
		t.Error("80% usage should unpause")
	}
	if !m.ShouldThrottle() {
		t.Error("80% usage should stay throttled")
	}

	m.observe(100)
	if m.ShouldThrottle() || m.IsPaused() {
		t.Error("10% usage should be normal")
	}
}

func TestGetStats(t *testing.T) {
	m := testMonitor(2000)
	m.observe(1500)

	stats := m.GetStats()
	if stats.LimitBytes != 2000 {
		t.Errorf("LimitBytes = %d", stats.LimitBytes)
	}
	if stats.UsedBytes != 1500 {
		t.Errorf("UsedBytes = %d", stats.UsedBytes)
	}
	if stats.UsageRatio != 0.75 {
		t.Errorf("UsageRatio = %v", stats.UsageRatio)
	}
	if !stats.Throttled || stats.Paused {
		t.Errorf("state = throttled:%v paused:%v", stats.Throttled, stats.Paused)
	}
}

func TestNoLimitIsInert(t *testing.T) {
	// Force a zero limit regardless of GOMEMLIMIT by setting it directly.
	m := &Monitor{cfg: DefaultConfig(), stopCh: make(chan struct{})}
	m.Start()
	if m.ShouldThrottle() || m.IsPaused() {
		t.Error("monitor without limit should never throttle")
	}
	m.Stop()
}

func TestStartStop(t *testing.T) {
	m := testMonitor(1 << 30)
	m.Start()
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	// Stop is idempotent
	m.Stop()
}
