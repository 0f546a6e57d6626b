package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics
var (
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_tasks_enqueued_total",
			Help: "Total number of generation tasks enqueued, by lane",
		},
		[]string{"lane"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_tasks_completed_total",
			Help: "Total number of generation tasks completed successfully, by lane",
		},
		[]string{"lane"},
	)

	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_tasks_failed_total",
			Help: "Total number of generation tasks that failed, by lane",
		},
		[]string{"lane"},
	)

	TasksDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_tasks_discarded_total",
			Help: "Tasks dropped without executing (stale epoch, directory switch, window prune)",
		},
		[]string{"reason"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "thumbnailer_queue_depth",
			Help: "Number of queued generation tasks, by lane",
		},
		[]string{"lane"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thumbnailer_generation_duration_seconds",
			Help:    "Thumbnail generation duration in seconds, by file type",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)
)

// Worker pool metrics
var (
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_active_workers",
			Help: "Number of workers currently executing a task",
		},
	)

	WorkerBudget = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_worker_budget",
			Help: "Current adaptive worker budget (soft cap below the pool size)",
		},
	)

	StageWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_stage_waits_total",
			Help: "Times a task was re-queued because a stage token was unavailable",
		},
		[]string{"stage"},
	)
)

// Memory cache metrics
var (
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_cache_hits_total",
			Help: "Memory cache hits, by access kind (peek, get)",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thumbnailer_cache_misses_total",
			Help: "Memory cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thumbnailer_cache_evictions_total",
			Help: "Entries evicted from the memory cache",
		},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_cache_bytes",
			Help: "Bytes currently resident in the memory cache",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_cache_entries",
			Help: "Entries currently resident in the memory cache",
		},
	)
)

// Save queue metrics
var (
	SaveQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_save_queue_depth",
			Help: "Thumbnails buffered for persistence",
		},
	)

	SaveQueueFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_save_queue_flushes_total",
			Help: "Save queue flushes, by outcome (batch, fallback)",
		},
		[]string{"outcome"},
	)

	SaveQueueFlushedItems = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thumbnailer_save_queue_flushed_items_total",
			Help: "Thumbnails written to the store by the flush loop",
		},
	)
)

// Store metrics
var (
	StoreQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_store_queries_total",
			Help: "Persistent store queries, by operation and status",
		},
		[]string{"operation", "status"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thumbnailer_store_query_duration_seconds",
			Help:    "Persistent store query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// Deduplicator metrics
var (
	DedupRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thumbnailer_dedup_requests_total",
			Help: "Reservation attempts seen by the deduplicator",
		},
	)

	DedupSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thumbnailer_dedup_suppressed_total",
			Help: "Requests skipped because a reservation was already outstanding",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thumbnailer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Filesystem retry metrics
var (
	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_fs_stale_errors_total",
			Help: "Total number of NFS stale file handle errors",
		},
		[]string{"operation"},
	)

	FilesystemRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thumbnailer_fs_retries_total",
			Help: "Filesystem retry outcomes",
		},
		[]string{"operation", "outcome"},
	)
)

// Memory backpressure metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_memory_usage_ratio",
			Help: "Heap usage as a fraction of the memory limit",
		},
	)

	MemoryThrottleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thumbnailer_memory_throttle_state",
			Help: "Memory backpressure state (0 = normal, 1 = throttled, 2 = paused)",
		},
	)
)
