// Package route matches extracted media against the delivery channels
// and their size caps. The gate either picks a format and a channel or
// rejects the request; it never creates work it cannot deliver.
package route

import (
	"context"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// Config carries the channel caps and deployment flags.
type Config struct {
	StandardCapBytes int64
	LargeCapBytes    int64
	LargeChannelOn   bool
	LowResourceMode  bool
	LowResourceCap   int64
	// UnknownSizeCap is the conservative estimate assumed for formats
	// whose size the engine could not report.
	UnknownSizeCap int64
}

// Gate decides quality and delivery channel for extracted media.
type Gate struct {
	cfg     Config
	logger  observability.Logger
	metrics observability.Metrics
}

// New creates a Gate.
func New(cfg Config, provider *observability.Provider) *Gate {
	if cfg.UnknownSizeCap <= 0 {
		cfg.UnknownSizeCap = cfg.StandardCapBytes
	}
	return &Gate{
		cfg:     cfg,
		logger:  provider.Logger("route"),
		metrics: provider.Metrics("route"),
	}
}

// standardCap returns the effective standard-channel cap for this
// deployment. Low-resource mode lowers it to bound peak memory.
func (g *Gate) standardCap() int64 {
	if g.cfg.LowResourceMode && g.cfg.LowResourceCap > 0 && g.cfg.LowResourceCap < g.cfg.StandardCapBytes {
		return g.cfg.LowResourceCap
	}
	return g.cfg.StandardCapBytes
}

// largeEnabled reports whether the large-file channel may be used.
// Low-resource mode disallows it regardless of configuration.
func (g *Gate) largeEnabled() bool {
	return g.cfg.LargeChannelOn && !g.cfg.LowResourceMode
}

// Route picks the best affordable format, preferring complete
// (audio+video or mergeable) formats over video-only ones when the
// large channel can afford them, falling back to the best format under
// the standard cap. If nothing fits, it rejects with TooLarge and the
// smallest known size.
func (g *Gate) Route(ctx context.Context, media *domain.ExtractedMedia) (*domain.RouteDecision, error) {
	if len(media.Formats) == 0 {
		return nil, domain.NewRejection(domain.RejectTooLarge, "no downloadable formats")
	}

	stdCap := g.standardCap()

	// Pass 1: large channel, complete formats first. Formats arrive
	// best-quality-first from the adapter.
	if g.largeEnabled() {
		for _, f := range media.Formats {
			if !complete(f, media.RequiresMerge) {
				continue
			}
			size := g.estimate(f)
			if size <= g.cfg.LargeCapBytes {
				return g.decide(ctx, media, f, size), nil
			}
		}
	}

	// Pass 2: best format under the standard cap.
	for _, f := range media.Formats {
		size := g.estimate(f)
		if size <= stdCap {
			return g.decide(ctx, media, f, size), nil
		}
	}

	// Pass 3: large channel without the completeness requirement, so
	// audio-only media over the standard cap still delivers.
	if g.largeEnabled() {
		for _, f := range media.Formats {
			size := g.estimate(f)
			if size <= g.cfg.LargeCapBytes {
				return g.decide(ctx, media, f, size), nil
			}
		}
	}

	smallest := g.smallestKnown(media.Formats)
	g.metrics.RecordError("route", string(domain.RejectTooLarge))
	g.logger.Info(ctx, "no format fits any channel", observability.Fields{
		"platform":      media.Platform,
		"smallest_size": smallest,
	})
	return nil, &domain.Rejection{
		Code:              domain.RejectTooLarge,
		Message:           "content exceeds every delivery channel cap",
		SmallestKnownSize: smallest,
	}
}

func (g *Gate) decide(ctx context.Context, media *domain.ExtractedMedia, f domain.MediaFormat, size int64) *domain.RouteDecision {
	channel := domain.ChannelStandard
	if size > g.standardCap() {
		channel = domain.ChannelLarge
	}
	d := &domain.RouteDecision{
		Format:        f,
		Channel:       channel,
		EstimatedSize: size,
		RequiresMerge: media.RequiresMerge && f.ContainsVideo && !f.ContainsAudio,
	}
	g.metrics.RecordSuccess("route")
	g.metrics.RecordBytes("route", size)
	g.logger.Debug(ctx, "route decided", observability.Fields{
		"format":  f.FormatID,
		"channel": channel,
		"size":    size,
		"merge":   d.RequiresMerge,
	})
	return d
}

// estimate returns the format's size, substituting the conservative
// default cap when the engine reported nothing. Selection must never
// trust an unknown size to be small.
func (g *Gate) estimate(f domain.MediaFormat) int64 {
	if f.EstimatedSize > 0 {
		return f.EstimatedSize
	}
	return g.cfg.UnknownSizeCap
}

// complete reports whether the format delivers audio and video
// together, either muxed or through the merge step.
func complete(f domain.MediaFormat, mergeable bool) bool {
	if !f.ContainsVideo {
		return false
	}
	return f.ContainsAudio || (mergeable && f.AudioURL != "")
}

func (g *Gate) smallestKnown(formats []domain.MediaFormat) int64 {
	var smallest int64
	for _, f := range formats {
		size := g.estimate(f)
		if smallest == 0 || size < smallest {
			smallest = size
		}
	}
	return smallest
}
