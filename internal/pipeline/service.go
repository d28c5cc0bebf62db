// Package pipeline is the inbound surface of the downloader: it takes
// a raw link from a user, runs classification, extraction and routing,
// and hands the admitted job to the scheduler.
package pipeline

import (
	"context"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/classify"
	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/extract"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
	"github.com/swagaswaga777/kachokvideo-bot/internal/route"
	"github.com/swagaswaga777/kachokvideo-bot/internal/scheduler"
)

// Request is one user-submitted link.
type Request struct {
	UserID      int64
	RawURL      string
	RequestedAt time.Time
}

// Service orchestrates the request path. Errors out of it are either
// *domain.Rejection (the input or a policy said no) or *domain.Failure
// (execution broke after admission).
type Service struct {
	classifier *classify.Classifier
	extractor  *extract.Adapter
	gate       *route.Gate
	sched      *scheduler.Scheduler
	logger     observability.Logger
	metrics    observability.Metrics
}

// New assembles the service.
func New(classifier *classify.Classifier, extractor *extract.Adapter, gate *route.Gate,
	sched *scheduler.Scheduler, provider *observability.Provider) *Service {
	return &Service{
		classifier: classifier,
		extractor:  extractor,
		gate:       gate,
		sched:      sched,
		logger:     provider.Logger("pipeline"),
		metrics:    provider.Metrics("pipeline"),
	}
}

// Enqueue validates and admits a link, returning a ticket the caller
// can wait on or cancel through the job id.
func (s *Service) Enqueue(ctx context.Context, req Request) (*scheduler.Ticket, error) {
	start := time.Now()

	cls, err := s.classifier.Classify(ctx, req.RawURL)
	if err != nil {
		s.metrics.RecordError("enqueue", "classify")
		return nil, err
	}

	media, err := s.extractor.Extract(ctx, cls.CanonicalURL, cls.Platform)
	if err != nil {
		s.metrics.RecordError("enqueue", "extract")
		return nil, err
	}

	decision, err := s.gate.Route(ctx, media)
	if err != nil {
		s.metrics.RecordError("enqueue", "route")
		return nil, err
	}

	job := &domain.DownloadJob{
		UserID:    req.UserID,
		SourceURL: cls.CanonicalURL,
		Platform:  cls.Platform,
		Media:     media,
		Route:     decision,
		Degraded:  media.Degraded,
	}
	ticket, err := s.sched.Submit(ctx, job)
	if err != nil {
		s.metrics.RecordError("enqueue", "submit")
		return nil, err
	}

	s.metrics.RecordSuccess("enqueue")
	s.metrics.RecordDuration("enqueue", time.Since(start).Seconds())
	s.logger.Info(ctx, "request admitted", observability.Fields{
		"job_id":   job.ID,
		"user_id":  req.UserID,
		"platform": string(cls.Platform),
		"channel":  string(decision.Channel),
	})
	return ticket, nil
}

// Handle runs a request end to end: admission, then blocking until the
// job is terminal.
func (s *Service) Handle(ctx context.Context, req Request) (*domain.DeliveryResult, error) {
	ticket, err := s.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return ticket.Wait(ctx)
}

// Cancel withdraws a previously admitted job.
func (s *Service) Cancel(ctx context.Context, jobID string) bool {
	return s.sched.Cancel(ctx, jobID)
}
