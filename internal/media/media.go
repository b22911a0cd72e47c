// Package media implements the Media Processor (C5): a pure transformation
// from an input file to one thumbnail artifact on disk, reporting
// intermediate progress through a callback. Images are resized in-process
// with the disintegration/imaging raster library; videos are first reduced
// to a single frame by an external extraction subprocess, then piped
// through the same image path.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"thumbnailpipe/internal/config"
)

// Failure taxonomy surfaced by the Media Processor, for callers that match
// with errors.Is. The worker does not distinguish between them: every
// failure counts as one failed attempt and is retried up to MaxAttempts.
var (
	ErrInputMissing          = errors.New("media: input missing")
	ErrUnsupportedKind       = errors.New("media: unsupported file kind")
	ErrProbeFailed           = errors.New("media: probe failed")
	ErrEncodeFailed          = errors.New("media: encode failed")
	ErrEmptyOutput           = errors.New("media: output file is empty")
	ErrVideoExtractionFailed = errors.New("media: video frame extraction failed")
	ErrVideoExtractionTimeout = errors.New("media: video frame extraction timed out")
)

// Result is the artifact produced by Process.
type Result struct {
	ThumbnailPath string
	Width         int
	Height        int
}

// ProgressFunc receives a percent-complete tick; implementations forward it
// to Queue.UpdateProgress.
type ProgressFunc func(percent int)

// Processor holds the configured parameters for thumbnail generation.
type Processor struct {
	size            int
	quality         int
	captureTime     string
	ffmpegPath      string
	extractTimeout  time.Duration
}

// New builds a Processor from config.
func New(cfg config.Config) *Processor {
	return &Processor{
		size:           cfg.ThumbnailSize,
		quality:        cfg.ThumbnailQuality,
		captureTime:    cfg.VideoCaptureTime,
		ffmpegPath:     cfg.FFMPEGPath,
		extractTimeout: cfg.VideoExtractTimeout,
	}
}

// Process produces one thumbnail for input, dispatching on kind.
func (p *Processor) Process(ctx context.Context, input, kind, outputDir string, progress ProgressFunc) (Result, error) {
	if _, err := os.Stat(input); err != nil {
		return Result{}, fmt.Errorf("%w: %s: not found: %v", ErrInputMissing, input, err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	switch kind {
	case "image":
		return p.processImage(input, outputDir, progress)
	case "video":
		return p.processVideo(ctx, input, outputDir, progress)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

func (p *Processor) processImage(input, outputDir string, progress ProgressFunc) (Result, error) {
	tick(progress, 40)

	src, err := imaging.Open(input, imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	resized := imaging.Fill(src, p.size, p.size, imaging.Center, imaging.Lanczos)

	outPath, err := p.encode(resized, outputDir, detectFormat(input))
	if err != nil {
		return Result{}, err
	}
	tick(progress, 80)

	return Result{ThumbnailPath: outPath, Width: p.size, Height: p.size}, nil
}

func (p *Processor) processVideo(ctx context.Context, input, outputDir string, progress ProgressFunc) (Result, error) {
	tick(progress, 40)

	frame := filepath.Join(outputDir, "temp_"+uuid.New().String()+".jpg")
	defer func() {
		if err := os.Remove(frame); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "media: warn: cleanup temp frame %s: %v\n", frame, err)
		}
	}()

	if err := p.extractFrame(ctx, input, frame); err != nil {
		return Result{}, err
	}
	tick(progress, 60)

	src, err := imaging.Open(frame, imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	resized := imaging.Fill(src, p.size, p.size, imaging.Center, imaging.Lanczos)

	outPath, err := p.encode(resized, outputDir, imaging.JPEG)
	if err != nil {
		return Result{}, err
	}
	tick(progress, 80)

	return Result{ThumbnailPath: outPath, Width: p.size, Height: p.size}, nil
}

// extractFrame runs the external extraction subprocess: seek to the
// configured capture time, emit exactly one frame, force image2 output,
// overwrite the destination.
func (p *Processor) extractFrame(ctx context.Context, input, dest string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	defer cancel()

	args := []string{
		"-y",
		"-ss", p.captureTime,
		"-i", input,
		"-vframes", "1",
		"-f", "image2",
		dest,
	}
	cmd := exec.CommandContext(timeoutCtx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return ErrVideoExtractionTimeout
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrVideoExtractionFailed, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// encode writes img to outputDir/thumb_<uuid>.{jpg|png}, verifying the
// result is non-empty before returning.
func (p *Processor) encode(img image.Image, outputDir string, format imaging.Format) (string, error) {
	ext := "jpg"
	opts := []imaging.EncodeOption{imaging.JPEGQuality(p.quality)}
	if format == imaging.PNG {
		ext = "png"
		opts = []imaging.EncodeOption{imaging.PNGCompressionLevel(9)}
	}

	outPath := filepath.Join(outputDir, "thumb_"+uuid.New().String()+"."+ext)
	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	encodeErr := imaging.Encode(f, img, format, opts...)
	closeErr := f.Close()
	if encodeErr != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, encodeErr)
	}
	if closeErr != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, closeErr)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outPath)
		return "", ErrEmptyOutput
	}
	return outPath, nil
}

// detectFormat chooses PNG for anything not recognizably JPEG by extension.
func detectFormat(path string) imaging.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".jpe", ".jfif":
		return imaging.JPEG
	default:
		return imaging.PNG
	}
}

func tick(progress ProgressFunc, percent int) {
	if progress != nil {
		progress(percent)
	}
}
