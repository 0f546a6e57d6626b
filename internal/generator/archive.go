package generator

import (
	"archive/zip"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"media-thumbnailer/internal/logging"
)

// maxArchiveEntryBytes caps how much of a single archive entry gets
// decompressed for a preview.
const maxArchiveEntryBytes = 64 << 20

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
}

// IsImageExtension reports whether ext (with leading dot, any case) is a
// decodable still-image extension.
func IsImageExtension(ext string) bool {
	return imageExtensions[strings.ToLower(ext)]
}

// GenerateArchiveThumbnail renders a preview for a zip or comic archive.
// When path carries an inner entry ("book.cbz::page01.jpg") that entry is
// rendered; otherwise the first image entry in name order is used.
func (d *WebPDecoder) GenerateArchiveThumbnail(path string) ([]byte, error) {
	archivePath, inner := SplitArchiveKey(path)

	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip", ".cbz":
	default:
		return nil, fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer reader.Close()

	entry, err := pickArchiveEntry(reader.File, inner)
	if err != nil {
		return nil, fmt.Errorf("no preview entry in %s: %w", archivePath, err)
	}
	logging.Debug("Archive %s: rendering entry %s", archivePath, entry.Name)

	img, err := decodeArchiveEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("archive entry decode failed for %s: %w", path, err)
	}
	return d.encode(img)
}

// pickArchiveEntry resolves the requested inner entry, or the first image
// entry in case-insensitive name order.
func pickArchiveEntry(files []*zip.File, inner string) (*zip.File, error) {
	if inner != "" {
		for _, f := range files {
			if f.Name == inner {
				return f, nil
			}
		}
		return nil, fmt.Errorf("entry %q not found", inner)
	}

	candidates := make([]*zip.File, 0, len(files))
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		if IsImageExtension(filepath.Ext(f.Name)) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("archive contains no image entries")
	}
	sort.Slice(candidates, func(i, j int) bool {
		return strings.ToLower(candidates[i].Name) < strings.ToLower(candidates[j].Name)
	})
	return candidates[0], nil
}

func decodeArchiveEntry(entry *zip.File) (image.Image, error) {
	if entry.UncompressedSize64 > maxArchiveEntryBytes {
		return nil, fmt.Errorf("entry %s too large (%d bytes)", entry.Name, entry.UncompressedSize64)
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	img, format, err := image.Decode(io.LimitReader(rc, maxArchiveEntryBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", entry.Name, err)
	}
	logging.Debug("Decoded archive entry format: %s for %s", format, entry.Name)
	return img, nil
}
