package workers

import (
	"os"
	"runtime"
	"strconv"
)

// Count returns a worker count scaled from the available CPUs.
// It respects container CPU limits via GOMAXPROCS (Go 1.19+).
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks
//   - 2.0 for I/O-bound tasks
//   - 1.5 for mixed decode/encode work
//
// min and max clamp the result; use 0 for no bound. The THUMB_WORKERS
// environment variable overrides the computed value (still clamped).
func Count(multiplier float64, min, max int) int {
	workers := int(float64(runtime.GOMAXPROCS(0)) * multiplier)

	if override := os.Getenv("THUMB_WORKERS"); override != "" {
		if n, err := strconv.Atoi(override); err == nil && n > 0 {
			workers = n
		}
	}

	if min > 0 && workers < min {
		workers = min
	}
	if max > 0 && workers > max {
		workers = max
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// ForGeneration returns the pool size for thumbnail generation work, which
// mixes file I/O with CPU-heavy decode/scale/encode: 1.5 per CPU, clamped
// to [4, 16].
func ForGeneration() int {
	return Count(1.5, 4, 16)
}

// StageLimit derives a per-stage concurrency cap from the pool size.
// numerator/denominator expresses the fraction of the pool allowed into the
// stage at once; the result is never below 1.
func StageLimit(poolSize, numerator, denominator int) int {
	limit := poolSize * numerator / denominator
	if limit < 1 {
		limit = 1
	}
	return limit
}
