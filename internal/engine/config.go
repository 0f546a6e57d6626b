package engine

import (
	"runtime"
	"time"

	"media-thumbnailer/internal/workers"
)

// Config carries every tunable of the pipeline. Zero values are replaced
// with machine-derived defaults by Normalize.
type Config struct {
	// Workers is the pool size; the adaptive controller never admits more
	// than this many concurrent tasks.
	Workers int

	// Stage token limits. Decode covers archive extraction, video frame
	// grabs and folder scans; Scale covers pixel resampling; Encode covers
	// WebP output.
	DecodeTokens int
	ScaleTokens  int
	EncodeTokens int

	// Lane weighting. The visible factor multiplies the visible lane's
	// round-robin slots while a viewport burst is active; the side factor
	// shifts slots toward preload and background during idle sweeps.
	VisibleBoostFactor int
	SideBoostFactor    int

	// Memory cache budget.
	MemoryCacheMaxBytes     int64
	MemoryCacheMaxEntries   int
	CleanupThresholdPercent int
	CleanupDropPercent      int

	// Save queue write-behind.
	SaveDelay          time.Duration
	SaveBatchThreshold int
	SaveFlushPoll      time.Duration

	// Adaptive controller.
	ControlInterval  time.Duration
	LatencyThreshold time.Duration
	FailurePercent   int
	BacklogThreshold int

	// PopTimeout bounds how long an idle worker blocks on the queue before
	// rechecking shutdown and budget.
	PopTimeout time.Duration

	// DedupTimeout expires abandoned in-flight reservations.
	DedupTimeout time.Duration
}

// DefaultConfig sizes the pipeline for the current machine.
func DefaultConfig() Config {
	poolSize := workers.ForGeneration()
	return Config{
		Workers:      poolSize,
		DecodeTokens: workers.StageLimit(poolSize, 1, 2),
		ScaleTokens:  workers.StageLimit(poolSize, 3, 4),
		EncodeTokens: workers.StageLimit(poolSize, 2, 3),

		VisibleBoostFactor: 8,
		SideBoostFactor:    4,

		MemoryCacheMaxBytes:     memoryBudgetForCores(runtime.NumCPU()),
		MemoryCacheMaxEntries:   8192,
		CleanupThresholdPercent: 85,
		CleanupDropPercent:      12,

		SaveDelay:          2 * time.Second,
		SaveBatchThreshold: 50,
		SaveFlushPoll:      500 * time.Millisecond,

		ControlInterval:  500 * time.Millisecond,
		LatencyThreshold: 160 * time.Millisecond,
		FailurePercent:   18,
		BacklogThreshold: 24,

		PopTimeout:   200 * time.Millisecond,
		DedupTimeout: 30 * time.Second,
	}
}

// memoryBudgetForCores maps machine size to a cache byte budget: small
// boxes get 128MB, mid-size 256MB, large 512MB.
func memoryBudgetForCores(cores int) int64 {
	switch {
	case cores <= 4:
		return 128 << 20
	case cores <= 8:
		return 256 << 20
	default:
		return 512 << 20
	}
}

// Normalize fills unset fields with defaults and clamps nonsense values.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.DecodeTokens <= 0 {
		c.DecodeTokens = workers.StageLimit(c.Workers, 1, 2)
	}
	if c.ScaleTokens <= 0 {
		c.ScaleTokens = workers.StageLimit(c.Workers, 3, 4)
	}
	if c.EncodeTokens <= 0 {
		c.EncodeTokens = workers.StageLimit(c.Workers, 2, 3)
	}
	if c.VisibleBoostFactor <= 0 {
		c.VisibleBoostFactor = def.VisibleBoostFactor
	}
	if c.SideBoostFactor <= 0 {
		c.SideBoostFactor = def.SideBoostFactor
	}
	if c.MemoryCacheMaxBytes <= 0 {
		c.MemoryCacheMaxBytes = def.MemoryCacheMaxBytes
	}
	if c.MemoryCacheMaxEntries <= 0 {
		c.MemoryCacheMaxEntries = def.MemoryCacheMaxEntries
	}
	if c.CleanupThresholdPercent <= 0 || c.CleanupThresholdPercent > 100 {
		c.CleanupThresholdPercent = def.CleanupThresholdPercent
	}
	if c.CleanupDropPercent <= 0 || c.CleanupDropPercent > 100 {
		c.CleanupDropPercent = def.CleanupDropPercent
	}
	if c.SaveDelay <= 0 {
		c.SaveDelay = def.SaveDelay
	}
	if c.SaveBatchThreshold <= 0 {
		c.SaveBatchThreshold = def.SaveBatchThreshold
	}
	if c.SaveFlushPoll <= 0 {
		c.SaveFlushPoll = def.SaveFlushPoll
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = def.ControlInterval
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = def.LatencyThreshold
	}
	if c.FailurePercent <= 0 || c.FailurePercent > 100 {
		c.FailurePercent = def.FailurePercent
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = def.BacklogThreshold
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = def.PopTimeout
	}
	if c.DedupTimeout <= 0 {
		c.DedupTimeout = def.DedupTimeout
	}
	return c
}
