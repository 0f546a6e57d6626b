package generator

import (
	"bytes"
	"fmt"
	"image"
	"os/exec"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
)

// decodeImageFile opens a still image, trying imaging first, then a plain
// image.Decode, then ffmpeg for formats Go cannot read natively.
func (d *WebPDecoder) decodeImageFile(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	logging.Debug("imaging.Open failed for %s: %v, trying fallback methods", path, err)

	img, err = decodeWithStdlib(path)
	if err == nil {
		return img, nil
	}
	logging.Debug("Standard decode failed for %s: %v, trying ffmpeg fallback", path, err)

	img, err = decodeImageWithFFmpeg(path)
	if err != nil {
		return nil, fmt.Errorf("all image decode methods failed for %s: %w", path, err)
	}
	return img, nil
}

func decodeWithStdlib(path string) (image.Image, error) {
	file, err := filesystem.Open(path, retryConfig)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	logging.Debug("Decoded image format: %s for %s", format, path)
	return img, nil
}

func decodeImageWithFFmpeg(path string) (image.Image, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	logging.Debug("Using ffmpeg to decode image: %s (%s)", path, ffmpegPath)

	out, err := runFFmpeg(
		"-i", path,
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-pix_fmt", "rgb24",
		"-",
	)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg output: %w", err)
	}
	return img, nil
}

// extractVideoFrame grabs a frame one second in. Very short clips make the
// seek overshoot the stream, so a failed first attempt retries from the
// start.
func extractVideoFrame(path string) (image.Image, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	out, err := runFFmpeg(
		"-i", path,
		"-ss", "00:00:01",
		"-vframes", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if err != nil {
		logging.Debug("FFmpeg seek attempt failed for %s: %v, retrying from start", path, err)
		out, err = runFFmpeg(
			"-i", path,
			"-vframes", "1",
			"-f", "image2pipe",
			"-vcodec", "png",
			"-",
		)
		if err != nil {
			return nil, err
		}
	}

	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg output: %w", err)
	}
	return img, nil
}

func runFFmpeg(args ...string) ([]byte, error) {
	cmd := exec.Command("ffmpeg", args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %v, stderr: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output")
	}
	logging.Debug("FFmpeg output size: %d bytes", stdout.Len())
	return stdout.Bytes(), nil
}
