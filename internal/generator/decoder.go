package generator

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
)

// retryConfig is shared by all generator file access. Media commonly
// lives on NFS mounts where stale handles are transient.
var retryConfig = filesystem.DefaultRetryConfig()

// Decoder is the capability the engine consumes: turn a path into small
// preview bytes. Implementations must be safe for concurrent use.
type Decoder interface {
	GenerateFileThumbnail(path string) ([]byte, error)
	GenerateArchiveThumbnail(path string) ([]byte, error)
	GenerateVideoThumbnail(path string) ([]byte, error)
}

// Config controls thumbnail geometry and encoding.
type Config struct {
	MaxWidth  int
	MaxHeight int
	// Quality is the WebP quality factor (0-100).
	Quality float32
}

// DefaultConfig matches the browser's grid cell size.
func DefaultConfig() Config {
	return Config{MaxWidth: 256, MaxHeight: 256, Quality: 85}
}

// WebPDecoder implements Decoder using imaging for stills, ffmpeg for
// videos, and an archive first-image scan.
type WebPDecoder struct {
	cfg Config
}

// NewWebPDecoder creates a decoder with the given geometry.
func NewWebPDecoder(cfg Config) *WebPDecoder {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 256
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 256
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 85
	}
	return &WebPDecoder{cfg: cfg}
}

// GenerateFileThumbnail decodes an image file and returns resized WebP
// bytes.
func (d *WebPDecoder) GenerateFileThumbnail(path string) ([]byte, error) {
	if _, err := filesystem.Stat(path, retryConfig); err != nil {
		return nil, fmt.Errorf("file not accessible: %w", err)
	}

	img, err := d.decodeImageFile(path)
	if err != nil {
		return nil, fmt.Errorf("thumbnail decode failed for %s: %w", path, err)
	}
	return d.encode(img)
}

// GenerateVideoThumbnail extracts a frame with ffmpeg and returns resized
// WebP bytes.
func (d *WebPDecoder) GenerateVideoThumbnail(path string) ([]byte, error) {
	if _, err := filesystem.Stat(path, retryConfig); err != nil {
		return nil, fmt.Errorf("file not accessible: %w", err)
	}

	img, err := extractVideoFrame(path)
	if err != nil {
		return nil, fmt.Errorf("video frame extraction failed for %s: %w", path, err)
	}
	return d.encode(img)
}

// encode fits img into the configured bounds (never upscaling) and encodes
// WebP.
func (d *WebPDecoder) encode(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	if bounds.Dx() > d.cfg.MaxWidth || bounds.Dy() > d.cfg.MaxHeight {
		img = imaging.Fit(img, d.cfg.MaxWidth, d.cfg.MaxHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: d.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// PathKey builds the store key for a path with an optional archive-inner
// component.
func PathKey(path, inner string) string {
	if inner == "" {
		return path
	}
	return path + "::" + inner
}

// SplitArchiveKey splits "archive.zip::inner/entry.png" into its archive
// path and inner entry. inner is empty for plain paths.
func SplitArchiveKey(key string) (archivePath, inner string) {
	if i := strings.Index(key, "::"); i >= 0 {
		return key[:i], key[i+2:]
	}
	return key, ""
}

// Fingerprint computes the ghash staleness check stored beside each record:
// a cheap hash of the path key and the source file size.
func Fingerprint(pathKey string, size int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(pathKey))
	var sizeBytes [8]byte
	for i := 0; i < 8; i++ {
		sizeBytes[i] = byte(size >> (8 * i))
	}
	h.Write(sizeBytes[:])
	return int64(h.Sum64())
}

// SourceSize returns the byte size of the generation source, 0 when it
// cannot be determined (directories, vanished files).
func SourceSize(path string) int64 {
	info, err := filesystem.Stat(path, retryConfig)
	if err != nil {
		logging.Debug("generator: stat %s failed: %v", path, err)
		return 0
	}
	if info.IsDir() {
		return 0
	}
	return info.Size()
}
