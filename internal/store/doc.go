// Package store is the durable thumbnail tier: a SQLite database holding
// generated thumbnail bytes keyed by path and category (file or folder),
// together with a permanent-failure table. Writes arrive batched from the
// engine's save queue; reads happen directly on cache misses.
package store
