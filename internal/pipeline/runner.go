package pipeline

import (
	"context"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/artifact"
	"github.com/swagaswaga777/kachokvideo-bot/internal/deliver"
	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/extract"
	"github.com/swagaswaga777/kachokvideo-bot/internal/fetch"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
	"github.com/swagaswaga777/kachokvideo-bot/internal/route"
)

// Caps bounds how much a worker will download per channel.
type Caps struct {
	Standard int64
	Large    int64
}

// Runner executes the worker-side stages of a job: refresh stale media,
// download the routed format, merge if needed and deliver.
type Runner struct {
	extractor *extract.Adapter
	gate      *route.Gate
	fetcher   *fetch.Fetcher
	deliverer *deliver.Manager
	caps      Caps
	logger    observability.Logger
	now       func() time.Time
}

// NewRunner wires the worker stages together.
func NewRunner(extractor *extract.Adapter, gate *route.Gate, fetcher *fetch.Fetcher,
	deliverer *deliver.Manager, caps Caps, provider *observability.Provider) *Runner {
	return &Runner{
		extractor: extractor,
		gate:      gate,
		fetcher:   fetcher,
		deliverer: deliverer,
		caps:      caps,
		logger:    provider.Logger("pipeline"),
		now:       time.Now,
	}
}

// Run implements scheduler.Runner.
func (r *Runner) Run(ctx context.Context, job *domain.DownloadJob, advance func(domain.JobState) bool) (*domain.DeliveryResult, error) {
	// Format URLs from extraction expire; a job that waited too long in
	// the queue is re-extracted and re-gated before downloading.
	if job.Media.Expired(r.now()) {
		if err := r.refresh(ctx, job, advance); err != nil {
			return nil, err
		}
	}

	if !advance(domain.StateDownloading) {
		return nil, withdrawn(ctx)
	}

	video, audio, err := r.download(ctx, job)
	if err != nil {
		return nil, err
	}

	if !advance(domain.StateDelivering) {
		video.Release(ctx)
		if audio != nil {
			audio.Release(ctx)
		}
		return nil, withdrawn(ctx)
	}
	job.ArtifactPath = video.Path()
	return r.deliverer.Deliver(ctx, job, video, audio)
}

func (r *Runner) refresh(ctx context.Context, job *domain.DownloadJob, advance func(domain.JobState) bool) error {
	if !advance(domain.StateExtracting) {
		return withdrawn(ctx)
	}
	r.logger.Info(ctx, "re-extracting expired media", observability.Fields{
		"job_id": job.ID,
		"url":    job.SourceURL,
	})
	media, err := r.extractor.Extract(ctx, job.SourceURL, job.Platform)
	if err != nil {
		return err
	}
	job.Media = media
	job.Degraded = job.Degraded || media.Degraded

	if !advance(domain.StateGating) {
		return withdrawn(ctx)
	}
	decision, err := r.gate.Route(ctx, media)
	if err != nil {
		return err
	}
	job.Route = decision
	return nil
}

func (r *Runner) download(ctx context.Context, job *domain.DownloadJob) (video, audio *artifact.Handle, err error) {
	limit := r.caps.Standard
	if job.Route.Channel == domain.ChannelLarge {
		limit = r.caps.Large
	}

	format := job.Route.Format
	video, _, err = r.fetcher.Fetch(ctx, job.ID, format.URL, videoFilename(job), limit, nil)
	if err != nil {
		return nil, nil, err
	}
	if job.Route.RequiresMerge && format.AudioURL != "" {
		audio, _, err = r.fetcher.Fetch(ctx, job.ID, format.AudioURL, "audio.m4a", limit, nil)
		if err != nil {
			video.Release(ctx)
			return nil, nil, err
		}
	}
	return video, audio, nil
}

func videoFilename(job *domain.DownloadJob) string {
	if job.Media != nil && job.Media.Title != "" {
		return artifact.SanitizeFilename(job.Media.Title) + ".mp4"
	}
	return "video.mp4"
}

func withdrawn(ctx context.Context) error {
	return domain.NewFailure(domain.FailCancelled, ctx.Err(), "job withdrawn")
}
