// Package extract builds per-platform configuration, invokes the
// external extraction engine and normalizes its result. Retries are
// bounded and apply to transient failures only.
package extract

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// platformProfile describes how a platform wants to be extracted. The
// table keyed by platform enum replaces runtime branching scattered
// through extraction logic.
type platformProfile struct {
	format            string
	preferNoWatermark bool
	needsSession      bool
}

var profiles = map[domain.Platform]platformProfile{
	domain.PlatformTikTok: {
		// The clean source variant first; watermarked renditions are a
		// flagged fallback, never a silent substitute.
		format:            "source/best",
		preferNoWatermark: true,
	},
	domain.PlatformYouTube: {
		format: "best[ext=mp4]/best/bestvideo[ext=mp4]+bestaudio[ext=m4a]/bestvideo+bestaudio",
	},
	domain.PlatformInstagram: {
		format:       "best",
		needsSession: true,
	},
}

var defaultProfile = platformProfile{format: "best"}

// Config tunes the adapter.
type Config struct {
	Timeout         time.Duration // per-attempt ceiling
	Retries         int           // additional attempts on transient failure
	BaseDelay       time.Duration // backoff base: base, 3*base, ...
	InstagramCookie string
}

// Adapter invokes an Engine with platform-specific options and
// normalizes the result into domain.ExtractedMedia.
type Adapter struct {
	engine  Engine
	cfg     Config
	logger  observability.Logger
	metrics observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewAdapter creates an Adapter around engine.
func NewAdapter(engine Engine, cfg Config, provider *observability.Provider) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &Adapter{
		engine:  engine,
		cfg:     cfg,
		logger:  provider.Logger("extract"),
		metrics: provider.Metrics("extract"),
		sleep:   sleepCtx,
	}
}

// Extract resolves canonicalURL into downloadable media. Transient
// engine failures are retried up to the configured count with
// exponential backoff; definitive answers are returned immediately.
func (a *Adapter) Extract(ctx context.Context, canonicalURL string, platform domain.Platform) (*domain.ExtractedMedia, error) {
	opts := a.optionsFor(platform)

	a.metrics.StartOperation("extract")
	defer a.metrics.EndOperation("extract")
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			// 1s, 3s, 9s...
			delay := a.cfg.BaseDelay * time.Duration(pow3(attempt-1))
			a.logger.Warn(ctx, "retrying extraction", observability.Fields{
				"platform": platform,
				"attempt":  attempt,
				"delay":    delay.String(),
			})
			if err := a.sleep(ctx, delay); err != nil {
				return nil, domain.NewFailure(domain.FailTimeout, err, "cancelled while backing off")
			}
		}

		media, err := a.extractOnce(ctx, canonicalURL, platform, opts)
		if err == nil {
			a.metrics.RecordSuccess("extract")
			a.metrics.RecordDuration("extract", time.Since(start).Seconds())
			return media, nil
		}
		lastErr = err

		f, _ := domain.AsFailure(err)
		if f == nil || !f.Retryable {
			break
		}
	}

	failure := domain.FailureFrom(lastErr)
	a.metrics.RecordError("extract", string(failure.Code))
	a.logger.Error(ctx, "extraction failed", failure, observability.Fields{
		"platform": platform,
	})
	return nil, failure
}

func (a *Adapter) extractOnce(ctx context.Context, url string, platform domain.Platform, opts EngineOptions) (*domain.ExtractedMedia, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	res, err := a.engine.Extract(ctx, url, opts)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.NewFailure(domain.FailTimeout, err, "extraction exceeded %s", a.cfg.Timeout)
		}
		var ee *EngineError
		if errors.As(err, &ee) {
			return nil, &domain.Failure{Code: ee.Code, Message: ee.Msg, Retryable: ee.Transient(), Err: ee}
		}
		return nil, domain.NewFailure(domain.FailUnknown, err, "engine error")
	}
	if len(res.Formats) == 0 {
		return nil, domain.NewFailure(domain.FailUnsupportedContent, nil, "engine returned no formats")
	}
	return a.normalize(ctx, res, platform, opts), nil
}

// normalize orders formats best-quality-first and applies the TikTok
// no-watermark policy: if the clean variant is absent the best video
// fallback is used and the result is flagged degraded.
func (a *Adapter) normalize(ctx context.Context, res *EngineResult, platform domain.Platform, opts EngineOptions) *domain.ExtractedMedia {
	formats := make([]domain.MediaFormat, 0, len(res.Formats))
	for _, f := range res.Formats {
		formats = append(formats, domain.MediaFormat{
			FormatID:      f.FormatID,
			URL:           f.URL,
			EstimatedSize: f.FileSize,
			Height:        f.Height,
			ContainsAudio: f.HasAudio,
			ContainsVideo: f.HasVideo,
		})
	}
	sort.SliceStable(formats, func(i, j int) bool {
		return formats[i].Height > formats[j].Height
	})

	degraded := false
	if opts.PreferNoWatermark {
		clean := false
		for _, f := range res.Formats {
			if f.NoWatermark {
				clean = true
				break
			}
		}
		if !clean {
			degraded = true
			a.logger.Warn(ctx, "no-watermark variant unavailable, using flagged fallback", observability.Fields{
				"platform": platform,
			})
		}
	}

	// Pair video-only formats with the best separate audio stream so
	// routing a split format always knows where its audio comes from.
	if audioURL := bestAudioURL(formats); audioURL != "" {
		for i := range formats {
			if formats[i].ContainsVideo && !formats[i].ContainsAudio {
				formats[i].AudioURL = audioURL
			}
		}
	}

	// A merge is promised only when a split format has an actual audio
	// source to merge with.
	requiresMerge := false
	for _, f := range formats {
		if f.ContainsVideo && !f.ContainsAudio && f.AudioURL != "" {
			requiresMerge = true
			break
		}
	}

	return &domain.ExtractedMedia{
		Platform:      platform,
		Kind:          res.Kind,
		Title:         res.Title,
		Formats:       formats,
		RequiresMerge: requiresMerge,
		Degraded:      degraded,
		ExpiresAt:     res.ExpiresAt,
	}
}

// bestAudioURL picks the largest audio-only stream, on the assumption
// that size tracks bitrate within a single extraction.
func bestAudioURL(formats []domain.MediaFormat) string {
	var url string
	var size int64 = -1
	for _, f := range formats {
		if f.ContainsVideo || !f.ContainsAudio {
			continue
		}
		if f.EstimatedSize > size {
			url = f.URL
			size = f.EstimatedSize
		}
	}
	return url
}

// optionsFor builds EngineOptions from the capability table.
func (a *Adapter) optionsFor(platform domain.Platform) EngineOptions {
	profile, ok := profiles[platform]
	if !ok {
		profile = defaultProfile
	}
	opts := EngineOptions{
		FormatPreference:  profile.format,
		PreferNoWatermark: profile.preferNoWatermark,
		Headers: map[string]string{
			"User-Agent":      browserUserAgent,
			"Accept-Language": "en-US,en;q=0.5",
		},
	}
	if profile.needsSession {
		opts.CookieFile = a.cfg.InstagramCookie
	}
	return opts
}

func pow3(n int) int64 {
	out := int64(1)
	for i := 0; i < n; i++ {
		out *= 3
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
