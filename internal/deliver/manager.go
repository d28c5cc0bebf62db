package deliver

import (
	"context"
	"os"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/artifact"
	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/mediaproc"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// Manager runs the final stage of a job: optional merge, upload on the
// routed channel, and artifact cleanup. Every handle passed in is
// released before Deliver returns, whatever the outcome.
type Manager struct {
	standard      Channel
	large         Channel // nil when the large channel is disabled
	merger        mediaproc.Merger
	store         *artifact.Store
	uploadTimeout time.Duration
	logger        observability.Logger
	metrics       observability.Metrics
}

// NewManager builds a delivery manager. large may be nil; jobs routed
// to the large channel then fail closed with ChannelUnavailable.
func NewManager(standard, large Channel, merger mediaproc.Merger, store *artifact.Store,
	uploadTimeout time.Duration, provider *observability.Provider) *Manager {
	return &Manager{
		standard:      standard,
		large:         large,
		merger:        merger,
		store:         store,
		uploadTimeout: uploadTimeout,
		logger:        provider.Logger("deliver"),
		metrics:       provider.Metrics("deliver"),
	}
}

// Deliver merges when the route requires it, uploads once on the routed
// channel and returns the result. video and audio (audio may be nil)
// are always released, along with any merge output.
func (m *Manager) Deliver(ctx context.Context, job *domain.DownloadJob, video, audio *artifact.Handle) (*domain.DeliveryResult, error) {
	defer video.Release(ctx)
	if audio != nil {
		defer audio.Release(ctx)
	}

	final := video
	if job.Route.RequiresMerge && audio != nil {
		merged, err := m.merge(ctx, job, video, audio)
		if err != nil {
			return nil, err
		}
		defer merged.Release(ctx)
		final = merged
	}

	info, err := os.Stat(final.Path())
	if err != nil {
		return nil, domain.NewFailure(domain.FailDeliveryFailed, err, "stat artifact")
	}
	size := info.Size()

	ch, err := m.channelFor(job.Route.Channel, size)
	if err != nil {
		return nil, err
	}

	upCtx, cancel := context.WithTimeout(ctx, m.uploadTimeout)
	defer cancel()

	m.metrics.StartOperation("upload")
	start := time.Now()
	ref, err := ch.Send(upCtx, job, final.Path(), size)
	m.metrics.EndOperation("upload")
	m.metrics.RecordDuration("upload", time.Since(start).Seconds())
	if err != nil {
		m.metrics.RecordError("upload", string(ch.Name()))
		return nil, err
	}
	m.metrics.RecordSuccess("upload")
	m.metrics.RecordBytes("upload", size)

	return &domain.DeliveryResult{
		JobID:     job.ID,
		Channel:   ch.Name(),
		SizeBytes: size,
		Title:     job.Media.Title,
		Degraded:  job.Degraded,
		Reference: ref,
	}, nil
}

func (m *Manager) channelFor(routed domain.Channel, size int64) (Channel, error) {
	if routed == domain.ChannelLarge {
		if m.large == nil {
			// Fail closed: an oversized artifact never sneaks onto the
			// standard channel.
			return nil, domain.NewFailure(domain.FailChannelUnavailable, nil,
				"large-file channel disabled").WithDelivery(size, domain.ChannelLarge)
		}
		return m.large, nil
	}
	return m.standard, nil
}

func (m *Manager) merge(ctx context.Context, job *domain.DownloadJob, video, audio *artifact.Handle) (*artifact.Handle, error) {
	out := m.store.PathFor(job.ID, "merged.mp4")
	m.logger.Debug(ctx, "merging streams", observability.Fields{
		"job_id": job.ID,
		"video":  video.Path(),
		"audio":  audio.Path(),
	})
	if err := m.merger.Merge(ctx, video.Path(), audio.Path(), out); err != nil {
		m.metrics.RecordError("merge", "ffmpeg")
		return nil, err
	}
	m.metrics.RecordSuccess("merge")
	return m.store.Adopt(out), nil
}
