// Package ytdlp adapts the yt-dlp binary to the extraction engine
// contract. It shells out with --dump-single-json and maps the metadata
// into engine formats; nothing is downloaded here.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/extract"
)

// Engine invokes a local yt-dlp binary.
type Engine struct {
	binaryPath string
}

// New creates an Engine for the given binary path. An empty path
// assumes yt-dlp is on PATH.
func New(binaryPath string) *Engine {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	return &Engine{binaryPath: binaryPath}
}

// info mirrors the subset of yt-dlp's JSON output the adapter needs.
type info struct {
	Title     string       `json:"title"`
	Duration  float64      `json:"duration"`
	Formats   []infoFormat `json:"formats"`
	URL       string       `json:"url"`
	FormatID  string       `json:"format_id"`
	Filesize  int64        `json:"filesize"`
	Height    int          `json:"height"`
	Entries   []info       `json:"entries"`
	Extractor string       `json:"extractor"`
}

type infoFormat struct {
	FormatID       string  `json:"format_id"`
	FormatNote     string  `json:"format_note"`
	URL            string  `json:"url"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
	Height         int     `json:"height"`
	Vcodec         string  `json:"vcodec"`
	Acodec         string  `json:"acodec"`
	Abr            float64 `json:"abr"`
}

// Extract runs yt-dlp and converts its JSON dump into an EngineResult.
func (e *Engine) Extract(ctx context.Context, url string, opts extract.EngineOptions) (*extract.EngineResult, error) {
	args := []string{
		"--dump-single-json",
		"--no-warnings",
		"--no-color",
		"--socket-timeout", "30",
	}
	if opts.FormatPreference != "" {
		args = append(args, "-f", opts.FormatPreference)
	}
	if opts.CookieFile != "" {
		args = append(args, "--cookies", opts.CookieFile)
	}
	for k, v := range opts.Headers {
		args = append(args, "--add-header", fmt.Sprintf("%s:%s", k, v))
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, e.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyStderr(stderr.String())
	}

	var meta info
	if err := json.Unmarshal(stdout.Bytes(), &meta); err != nil {
		return nil, &extract.EngineError{
			Code: domain.FailUnknown,
			Msg:  fmt.Sprintf("yt-dlp produced unparseable metadata: %v", err),
		}
	}

	// Playlists and carousels arrive as entries; one format per entry.
	if len(meta.Entries) > 0 {
		return carouselResult(&meta), nil
	}
	return singleResult(&meta, opts), nil
}

func singleResult(meta *info, opts extract.EngineOptions) *extract.EngineResult {
	res := &extract.EngineResult{
		Kind:      domain.KindVideo,
		Title:     meta.Title,
		ExpiresAt: formatExpiry(),
	}
	for _, f := range meta.Formats {
		if f.URL == "" {
			continue
		}
		size := f.Filesize
		if size == 0 {
			size = f.FilesizeApprox
		}
		res.Formats = append(res.Formats, extract.EngineFormat{
			FormatID:    f.FormatID,
			URL:         f.URL,
			FileSize:    size,
			Height:      f.Height,
			HasVideo:    f.Vcodec != "" && f.Vcodec != "none",
			HasAudio:    f.Acodec != "" && f.Acodec != "none",
			NoWatermark: isNoWatermark(f),
		})
	}
	// Some extractors report a single pre-selected format at the top
	// level instead of a formats list.
	if len(res.Formats) == 0 && meta.URL != "" {
		res.Formats = append(res.Formats, extract.EngineFormat{
			FormatID: meta.FormatID,
			URL:      meta.URL,
			FileSize: meta.Filesize,
			Height:   meta.Height,
			HasVideo: true,
			HasAudio: true,
		})
	}
	if onlyAudio(res.Formats) {
		res.Kind = domain.KindAudio
	}
	return res
}

func carouselResult(meta *info) *extract.EngineResult {
	res := &extract.EngineResult{
		Kind:      domain.KindCarousel,
		Title:     meta.Title,
		ExpiresAt: formatExpiry(),
	}
	for _, entry := range meta.Entries {
		if entry.URL == "" {
			continue
		}
		res.Formats = append(res.Formats, extract.EngineFormat{
			FormatID: entry.FormatID,
			URL:      entry.URL,
			FileSize: entry.Filesize,
			Height:   entry.Height,
		})
	}
	return res
}

// isNoWatermark recognizes the clean source renditions TikTok-style
// extractors expose.
func isNoWatermark(f infoFormat) bool {
	note := strings.ToLower(f.FormatNote)
	id := strings.ToLower(f.FormatID)
	if strings.Contains(note, "watermark") || strings.Contains(id, "watermark") {
		// "watermarked" notes mark the dirty variant.
		return strings.Contains(note, "no watermark") || strings.Contains(id, "nowatermark")
	}
	return id == "source" || id == "download" || strings.Contains(note, "source")
}

func onlyAudio(formats []extract.EngineFormat) bool {
	if len(formats) == 0 {
		return false
	}
	for _, f := range formats {
		if f.HasVideo {
			return false
		}
	}
	return true
}

// formatExpiry bounds how long extracted format URLs are trusted.
// Platform CDNs sign URLs for minutes, not hours.
func formatExpiry() time.Time {
	return time.Now().Add(10 * time.Minute)
}

// classifyStderr maps yt-dlp's error text onto the failure taxonomy so
// the adapter can decide whether a retry is worthwhile.
func classifyStderr(stderr string) *extract.EngineError {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "login") || strings.Contains(s, "cookies") ||
		strings.Contains(s, "authentication"):
		return &extract.EngineError{Code: domain.FailAuthRequired, Msg: trimStderr(stderr)}
	case strings.Contains(s, "private") || strings.Contains(s, "not available") ||
		strings.Contains(s, "404") || strings.Contains(s, "removed"):
		return &extract.EngineError{Code: domain.FailUnsupportedContent, Msg: trimStderr(stderr)}
	case strings.Contains(s, "429") || strings.Contains(s, "rate"):
		return &extract.EngineError{Code: domain.FailUpstreamRateLimited, Msg: trimStderr(stderr)}
	default:
		return &extract.EngineError{Code: domain.FailUnknown, Msg: trimStderr(stderr)}
	}
}

func trimStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		s = s[:500]
	}
	if s == "" {
		return "yt-dlp failed without diagnostics"
	}
	return s
}
