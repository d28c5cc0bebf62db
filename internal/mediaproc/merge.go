// Package mediaproc wraps the external media-processing tool used to
// merge separate audio and video streams after download.
package mediaproc

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// Merger combines a video stream and an audio stream into one file.
type Merger interface {
	Merge(ctx context.Context, videoPath, audioPath, outputPath string) error
}

// FFmpegMerger shells out to ffmpeg. Streams are remuxed, not
// re-encoded, so the merge is I/O bound.
type FFmpegMerger struct {
	binaryPath string
	timeout    time.Duration
	logger     observability.Logger
	metrics    observability.Metrics
}

// NewFFmpegMerger creates a merger around the ffmpeg binary.
func NewFFmpegMerger(binaryPath string, timeout time.Duration, provider *observability.Provider) *FFmpegMerger {
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &FFmpegMerger{
		binaryPath: binaryPath,
		timeout:    timeout,
		logger:     provider.Logger("mediaproc"),
		metrics:    provider.Metrics("mediaproc"),
	}
}

// Merge remuxes videoPath and audioPath into outputPath. A failed or
// empty output is removed and reported as MergeFailed; audio is never
// silently dropped.
func (m *FFmpegMerger) Merge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.metrics.StartOperation("merge")
	defer m.metrics.EndOperation("merge")
	start := time.Now()

	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, m.binaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outputPath)
		m.metrics.RecordError("merge", "ffmpeg")
		if ctx.Err() == context.DeadlineExceeded {
			return domain.NewFailure(domain.FailTimeout, err, "merge exceeded %s", m.timeout)
		}
		return domain.NewFailure(domain.FailMergeFailed, err, "ffmpeg: %s", trimOutput(stderr.String()))
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		m.metrics.RecordError("merge", "empty_output")
		return domain.NewFailure(domain.FailMergeFailed, err, "merge produced no output")
	}

	m.metrics.RecordSuccess("merge")
	m.metrics.RecordDuration("merge", time.Since(start).Seconds())
	m.logger.Info(ctx, "merge complete", observability.Fields{
		"output":      outputPath,
		"bytes":       info.Size(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 400 {
		s = s[len(s)-400:]
	}
	if s == "" {
		return "no diagnostics"
	}
	return s
}
