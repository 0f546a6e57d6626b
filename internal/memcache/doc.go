// Package memcache provides the in-memory thumbnail tier: a fixed-capacity
// LRU of raw thumbnail bytes with byte-budget accounting and a two-phase
// cleanup that sizes the eviction under a read lock before evicting under a
// write lock.
package memcache
