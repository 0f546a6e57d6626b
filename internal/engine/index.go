package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/store"
)

// indexStore is the slice of the persistent index needed to warm the
// presence sets.
type indexStore interface {
	ListKeys(ctx context.Context, category string) ([]string, error)
	ListFailedKeys(ctx context.Context) ([]string, error)
}

// presenceIndex mirrors which keys the store holds so the hot path can
// answer "already generated" and "known bad" without a database query. It
// is warmed asynchronously at startup and kept current by the pipeline.
type presenceIndex struct {
	mu      sync.RWMutex
	files   map[string]struct{}
	folders map[string]struct{}
	failed  map[string]struct{}
	ready   atomic.Bool
}

func newPresenceIndex() *presenceIndex {
	return &presenceIndex{
		files:   make(map[string]struct{}),
		folders: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
	}
}

// warmChunk bounds how many keys are inserted per lock acquisition while
// warming, so lookups are not starved behind a huge initial load.
const warmChunk = 1000

// Warm loads the presence sets from the store. Run it on a goroutine; the
// index answers conservatively (nothing present, nothing failed) until it
// finishes.
func (ix *presenceIndex) Warm(ctx context.Context, st indexStore) {
	fileKeys, err := st.ListKeys(ctx, store.CategoryFile)
	if err != nil {
		logging.Warn("Index warm: listing file keys failed: %v", err)
	}
	folderKeys, err := st.ListKeys(ctx, store.CategoryFolder)
	if err != nil {
		logging.Warn("Index warm: listing folder keys failed: %v", err)
	}
	failedKeys, err := st.ListFailedKeys(ctx)
	if err != nil {
		logging.Warn("Index warm: listing failed keys failed: %v", err)
	}

	insert := func(dst func(string), keys []string) {
		for start := 0; start < len(keys); start += warmChunk {
			end := start + warmChunk
			if end > len(keys) {
				end = len(keys)
			}
			ix.mu.Lock()
			for _, k := range keys[start:end] {
				dst(k)
			}
			ix.mu.Unlock()
		}
	}
	insert(func(k string) { ix.files[k] = struct{}{} }, fileKeys)
	insert(func(k string) { ix.folders[k] = struct{}{} }, folderKeys)
	insert(func(k string) { ix.failed[k] = struct{}{} }, failedKeys)

	ix.ready.Store(true)
	logging.Info("Index warm: %d files, %d folders, %d failures",
		len(fileKeys), len(folderKeys), len(failedKeys))
}

// Ready reports whether the warm load has completed.
func (ix *presenceIndex) Ready() bool { return ix.ready.Load() }

// Has reports whether a key is present in the given category.
func (ix *presenceIndex) Has(key, category string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if category == store.CategoryFolder {
		_, ok := ix.folders[key]
		return ok
	}
	_, ok := ix.files[key]
	return ok
}

// HasAny reports presence in either category.
func (ix *presenceIndex) HasAny(key string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if _, ok := ix.files[key]; ok {
		return true
	}
	_, ok := ix.folders[key]
	return ok
}

// IsFailed reports whether the key is blacklisted by a prior failure.
func (ix *presenceIndex) IsFailed(key string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.failed[key]
	return ok
}

// MarkPresent records a fresh thumbnail and clears any failure mark.
func (ix *presenceIndex) MarkPresent(key, category string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if category == store.CategoryFolder {
		ix.folders[key] = struct{}{}
	} else {
		ix.files[key] = struct{}{}
	}
	delete(ix.failed, key)
}

// MarkFailed blacklists a key.
func (ix *presenceIndex) MarkFailed(key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.failed[key] = struct{}{}
}

// Remove forgets a key entirely, presence and failure both.
func (ix *presenceIndex) Remove(key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.files, key)
	delete(ix.folders, key)
	delete(ix.failed, key)
}

// ClearFailures empties the blacklist and returns how many entries it held.
func (ix *presenceIndex) ClearFailures() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := len(ix.failed)
	ix.failed = make(map[string]struct{})
	return n
}

// Counts returns (files, folders, failed) set sizes.
func (ix *presenceIndex) Counts() (int, int, int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.files), len(ix.folders), len(ix.failed)
}
