// Package generator produces the actual thumbnail bytes for the engine:
// image files through imaging (with an ffmpeg fallback for exotic formats),
// videos through ffmpeg frame extraction, archives through a first-image
// scan, and folders through cover discovery backed by the store. All output
// is WebP.
package generator
