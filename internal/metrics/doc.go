// Package metrics defines the Prometheus collectors for the thumbnail
// engine: scheduler lanes, worker pool, caches, the save queue, the
// persistent store, and the HTTP surface. Collectors are registered at init
// via promauto and shared process-wide.
package metrics
