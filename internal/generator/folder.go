package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/store"
)

const (
	// folderScanDepth bounds the recursive descent looking for a
	// representative image.
	folderScanDepth = 3
	// folderScanCandidates caps how many images a scan collects before
	// giving up on finding more.
	folderScanCandidates = 5
	// folderScanMaxEntries skips directories too large to scan cheaply.
	folderScanMaxEntries = 1000
)

// coverNames are explicit cover file basenames, checked before any scan.
var coverNames = []string{"cover", "folder", "thumb"}

// FolderStore is the slice of the persistent index folder generation needs.
type FolderStore interface {
	Load(ctx context.Context, key, category string) ([]byte, error)
	Save(ctx context.Context, item store.Item) error
	FindEarliestChildThumbnail(ctx context.Context, prefix string) (string, []byte, error)
}

// FolderGenerator renders folder previews by reusing an already-generated
// child thumbnail when one exists, and otherwise finding a representative
// image inside the folder.
type FolderGenerator struct {
	dec Decoder
	st  FolderStore
}

// NewFolderGenerator wires a decoder and the store slice together.
func NewFolderGenerator(dec Decoder, st FolderStore) *FolderGenerator {
	return &FolderGenerator{dec: dec, st: st}
}

// Generate returns folder preview bytes, trying in order: an existing
// folder record, the earliest child thumbnail already in the store, an
// explicit cover file, and finally a bounded recursive image scan.
func (g *FolderGenerator) Generate(ctx context.Context, folderPath string) ([]byte, error) {
	if blob, err := g.st.Load(ctx, folderPath, store.CategoryFolder); err == nil {
		logging.Debug("Folder %s: reusing stored folder record", folderPath)
		return blob, nil
	}

	prefix := strings.TrimRight(folderPath, string(os.PathSeparator)) + string(os.PathSeparator)
	if childKey, blob, err := g.st.FindEarliestChildThumbnail(ctx, prefix); err == nil {
		logging.Debug("Folder %s: reusing child thumbnail %s", folderPath, childKey)
		g.saveRecord(ctx, folderPath, blob)
		return blob, nil
	}

	if coverPath := findCoverFile(folderPath); coverPath != "" {
		if blob, err := g.dec.GenerateFileThumbnail(coverPath); err == nil {
			logging.Debug("Folder %s: using cover file %s", folderPath, coverPath)
			g.saveRecord(ctx, folderPath, blob)
			return blob, nil
		}
	}

	for _, candidate := range scanForImages(folderPath, folderScanDepth, folderScanCandidates) {
		blob, err := g.dec.GenerateFileThumbnail(candidate)
		if err != nil {
			logging.Debug("Folder %s: candidate %s failed: %v", folderPath, candidate, err)
			continue
		}
		g.saveRecord(ctx, folderPath, blob)
		return blob, nil
	}

	return nil, fmt.Errorf("no representative image found in %s", folderPath)
}

// saveRecord persists the folder preview. A failed save only costs a
// regeneration later, so it is logged and not propagated.
func (g *FolderGenerator) saveRecord(ctx context.Context, folderPath string, blob []byte) {
	item := store.Item{
		Key:      folderPath,
		Category: store.CategoryFolder,
		GHash:    Fingerprint(folderPath, 0),
		Blob:     blob,
	}
	if err := g.st.Save(ctx, item); err != nil {
		logging.Warn("Failed to save folder record for %s: %v", folderPath, err)
	}
}

// findCoverFile looks for cover.*, folder.* or thumb.* directly in the
// folder, case-insensitively.
func findCoverFile(folderPath string) string {
	entries, err := filesystem.ReadDir(folderPath, retryConfig)
	if err != nil {
		return ""
	}
	for _, name := range coverNames {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := filepath.Ext(entry.Name())
			base := strings.TrimSuffix(entry.Name(), ext)
			if strings.EqualFold(base, name) && IsImageExtension(ext) {
				return filepath.Join(folderPath, entry.Name())
			}
		}
	}
	return ""
}

// scanForImages collects up to max image paths from folderPath, descending
// at most depth levels and skipping oversized directories.
func scanForImages(folderPath string, depth, max int) []string {
	if depth < 0 || max <= 0 {
		return nil
	}

	entries, err := filesystem.ReadDir(folderPath, retryConfig)
	if err != nil {
		return nil
	}
	if len(entries) > folderScanMaxEntries {
		logging.Debug("Folder %s: %d entries, too large to scan", folderPath, len(entries))
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	var found []string
	var subdirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			subdirs = append(subdirs, filepath.Join(folderPath, entry.Name()))
			continue
		}
		if IsImageExtension(filepath.Ext(entry.Name())) {
			found = append(found, filepath.Join(folderPath, entry.Name()))
			if len(found) >= max {
				return found
			}
		}
	}

	for _, sub := range subdirs {
		found = append(found, scanForImages(sub, depth-1, max-len(found))...)
		if len(found) >= max {
			break
		}
	}
	return found
}
