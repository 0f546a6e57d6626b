// Package engine is the background thumbnail pipeline: a three-lane
// priority queue feeding a worker pool, with per-stage concurrency tokens,
// an adaptive parallelism controller, a write-behind save queue in front of
// the SQLite store, and a byte-budgeted in-memory cache in front of both.
package engine
