package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// fakeTracker hands out a fixed snapshot and records outcomes.
type fakeTracker struct {
	mu       sync.Mutex
	snap     domain.UserQuotaSnapshot
	outcomes []domain.JobOutcome
}

func newFakeTracker(tier domain.Tier, concurrent, remaining int) *fakeTracker {
	return &fakeTracker{snap: domain.UserQuotaSnapshot{
		Tier:               tier,
		ConcurrentJobLimit: concurrent,
		RequestsPerWindow:  remaining,
		WindowDuration:     time.Minute,
		RemainingInWindow:  remaining,
	}}
}

func (f *fakeTracker) GetSnapshot(ctx context.Context, userID int64) (domain.UserQuotaSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

func (f *fakeTracker) RecordUsage(ctx context.Context, outcome domain.JobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeTracker) recorded() []domain.JobOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.JobOutcome(nil), f.outcomes...)
}

// scriptRunner runs each job through a per-job script. The default
// script advances to Downloading and succeeds immediately.
type scriptRunner struct {
	mu      sync.Mutex
	order   []string
	started chan string
	release chan struct{} // jobs block here when set
	fail    error
	panics  bool
}

func (r *scriptRunner) Run(ctx context.Context, job *domain.DownloadJob, advance func(domain.JobState) bool) (*domain.DeliveryResult, error) {
	r.mu.Lock()
	r.order = append(r.order, job.SourceURL)
	panics, fail := r.panics, r.fail
	r.mu.Unlock()

	if r.started != nil {
		r.started <- job.ID
	}
	if panics {
		panic("runner exploded")
	}
	if !advance(domain.StateDownloading) {
		return nil, domain.NewFailure(domain.FailCancelled, ctx.Err(), "job withdrawn")
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	if !advance(domain.StateDelivering) {
		return nil, domain.NewFailure(domain.FailCancelled, ctx.Err(), "job withdrawn")
	}
	return &domain.DeliveryResult{JobID: job.ID, Channel: domain.ChannelStandard, SizeBytes: 1024}, nil
}

func (r *scriptRunner) ranOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func testProvider() *observability.Provider {
	return observability.NewProvider(observability.Config{
		ServiceName: "test",
		LogLevel:    "error",
		LogOutput:   io.Discard,
	})
}

func newScheduler(t *testing.T, cfg Config, runner Runner, tracker *fakeTracker) *Scheduler {
	t.Helper()
	s := New(cfg, runner, tracker, testProvider())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func submitJob(t *testing.T, s *Scheduler, userID int64, url string) *Ticket {
	t.Helper()
	ticket, err := s.Submit(context.Background(), &domain.DownloadJob{
		UserID:    userID,
		SourceURL: url,
		Platform:  domain.PlatformYouTube,
		Media:     &domain.ExtractedMedia{Title: "clip"},
		Route:     &domain.RouteDecision{Channel: domain.ChannelStandard},
	})
	require.NoError(t, err)
	return ticket
}

func TestCompletesJobAndRecordsUsage(t *testing.T) {
	runner := &scriptRunner{}
	tracker := newFakeTracker(domain.TierFree, 1, 5)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	ticket := submitJob(t, s, 42, "https://youtube.com/watch?v=a")
	res, err := ticket.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, ticket.Job.State)
	assert.Equal(t, int64(1024), res.SizeBytes)
	assert.False(t, ticket.Job.TerminalAt.IsZero())

	outcomes := tracker.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.StateCompleted, outcomes[0].State)
	assert.Equal(t, int64(1024), outcomes[0].SizeBytes)
}

func TestPriorityOrderUnderSaturatedPool(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	premium := newFakeTracker(domain.TierPremium, 10, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, premium)

	// Occupy the only worker.
	blocker := submitJob(t, s, 1, "blocker")
	<-runner.started

	// Queue a free job first, then a premium one.
	premium.mu.Lock()
	premium.snap.Tier = domain.TierFree
	premium.mu.Unlock()
	free := submitJob(t, s, 2, "free-job")

	premium.mu.Lock()
	premium.snap.Tier = domain.TierPremium
	premium.mu.Unlock()
	prem := submitJob(t, s, 3, "premium-job")

	close(runner.release)
	for _, ticket := range []*Ticket{blocker, free, prem} {
		_, err := ticket.Wait(context.Background())
		require.NoError(t, err)
	}

	order := runner.ranOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "blocker", order[0])
	assert.Equal(t, "premium-job", order[1], "premium must overtake an earlier free job")
	assert.Equal(t, "free-job", order[2])
}

func TestAgeBoostPreventsStarvation(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	tracker := newFakeTracker(domain.TierFree, 10, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8, PriorityBoostAge: 2 * time.Minute}, runner, tracker)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.mu.Lock()
	s.now = func() time.Time { return now }
	s.mu.Unlock()

	blocker := submitJob(t, s, 1, "blocker")
	<-runner.started

	free := submitJob(t, s, 2, "old-free-job")

	// The free job waits past the boost age, then a premium job arrives.
	now = base.Add(3 * time.Minute)
	tracker.mu.Lock()
	tracker.snap.Tier = domain.TierPremium
	tracker.mu.Unlock()
	prem := submitJob(t, s, 3, "premium-job")

	close(runner.release)
	for _, ticket := range []*Ticket{blocker, free, prem} {
		_, err := ticket.Wait(context.Background())
		require.NoError(t, err)
	}

	order := runner.ranOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "old-free-job", order[1], "boosted free job must not be overtaken")
	assert.Equal(t, "premium-job", order[2])
}

func TestRejectsTooManyConcurrent(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	tracker := newFakeTracker(domain.TierFree, 1, 100)
	s := newScheduler(t, Config{WorkerCount: 2, MaxQueueDepth: 8}, runner, tracker)

	submitJob(t, s, 42, "first")
	<-runner.started

	_, err := s.Submit(context.Background(), &domain.DownloadJob{UserID: 42, SourceURL: "second"})
	require.Error(t, err)
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectTooManyConcurrent, rej.Code)

	// A different user is unaffected.
	other := submitJob(t, s, 7, "other-user")
	close(runner.release)
	_, err = other.Wait(context.Background())
	require.NoError(t, err)
}

func TestRejectsRateLimited(t *testing.T) {
	runner := &scriptRunner{}
	tracker := newFakeTracker(domain.TierFree, 1, 0)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	_, err := s.Submit(context.Background(), &domain.DownloadJob{UserID: 42, SourceURL: "x"})
	require.Error(t, err)
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectRateLimited, rej.Code)
}

func TestRejectsServerBusyWhenQueueFull(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	tracker := newFakeTracker(domain.TierFree, 100, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 1}, runner, tracker)

	submitJob(t, s, 1, "running")
	<-runner.started
	submitJob(t, s, 2, "queued")

	_, err := s.Submit(context.Background(), &domain.DownloadJob{UserID: 3, SourceURL: "overflow"})
	require.Error(t, err)
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectServerBusy, rej.Code)

	close(runner.release)
}

func TestCancelQueuedJobIsImmediate(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	tracker := newFakeTracker(domain.TierFree, 100, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	submitJob(t, s, 1, "running")
	<-runner.started
	queued := submitJob(t, s, 2, "queued")

	require.True(t, s.Cancel(context.Background(), queued.Job.ID))
	_, err := queued.Wait(context.Background())
	require.Error(t, err)
	fail, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, domain.FailCancelled, fail.Code)
	assert.Equal(t, domain.StateCancelled, queued.Job.State)

	close(runner.release)
	assert.NotContains(t, runner.ranOrder(), "queued", "cancelled job must never run")
}

func TestCancelDuringWorkerHandoffDoesNotPanic(t *testing.T) {
	runner := &scriptRunner{}
	tracker := newFakeTracker(domain.TierFree, 100, 100)
	s := New(Config{WorkerCount: 0, MaxQueueDepth: 8}, runner, tracker, testProvider())

	ticket := submitJob(t, s, 1, "in-handoff")

	// Pop the entry the way a worker does, before runJob marks it
	// running. The entry is off the heap but still in the job table.
	e := s.next()
	require.NotNil(t, e)

	require.True(t, s.Cancel(context.Background(), ticket.Job.ID))
	_, err := ticket.Wait(context.Background())
	fail, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, domain.FailCancelled, fail.Code)
	assert.Equal(t, domain.StateCancelled, ticket.Job.State)

	// The worker's half of the handoff drops the terminal entry.
	s.runJob(e)
	assert.Empty(t, runner.ranOrder())

	// The scheduler must still accept calls that take its mutex.
	assert.Equal(t, 0, s.Queued())
}

func TestCancelRunningJobStopsIt(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	tracker := newFakeTracker(domain.TierFree, 100, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	ticket := submitJob(t, s, 1, "running")
	<-runner.started

	require.True(t, s.Cancel(context.Background(), ticket.Job.ID))
	_, err := ticket.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StateCancelled, ticket.Job.State)
}

func TestCancelFinishedJobIsNoOp(t *testing.T) {
	runner := &scriptRunner{}
	tracker := newFakeTracker(domain.TierFree, 1, 5)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	ticket := submitJob(t, s, 42, "x")
	_, err := ticket.Wait(context.Background())
	require.NoError(t, err)

	assert.False(t, s.Cancel(context.Background(), ticket.Job.ID))
	assert.Equal(t, domain.StateCompleted, ticket.Job.State)
}

func TestPanicMarksJobFailedAndWorkerSurvives(t *testing.T) {
	runner := &scriptRunner{panics: true}
	tracker := newFakeTracker(domain.TierFree, 100, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	ticket := submitJob(t, s, 1, "boom")
	_, err := ticket.Wait(context.Background())
	require.Error(t, err)
	fail, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, domain.FailUnknown, fail.Code)
	assert.Equal(t, domain.StateFailed, ticket.Job.State)

	// The same worker must keep serving jobs.
	runner.mu.Lock()
	runner.panics = false
	runner.mu.Unlock()
	next := submitJob(t, s, 2, "after-panic")
	_, err = next.Wait(context.Background())
	require.NoError(t, err)
}

func TestFailureReleasesConcurrencySlot(t *testing.T) {
	runner := &scriptRunner{fail: domain.NewFailure(domain.FailTimeout, nil, "download stalled")}
	tracker := newFakeTracker(domain.TierFree, 1, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	first := submitJob(t, s, 42, "fails")
	_, err := first.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, first.Job.State)

	runner.mu.Lock()
	runner.fail = nil
	runner.mu.Unlock()
	second := submitJob(t, s, 42, "succeeds")
	_, err = second.Wait(context.Background())
	require.NoError(t, err, "slot must be free after the first job failed")
}

func TestStopWithdrawsQueuedJobs(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	tracker := newFakeTracker(domain.TierFree, 100, 100)
	s := New(Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker, testProvider())
	s.Start()

	running := submitJob(t, s, 1, "running")
	<-runner.started
	queued := submitJob(t, s, 2, "queued")

	stopDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopDone <- s.Stop(ctx)
	}()

	_, err := queued.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StateCancelled, queued.Job.State)

	close(runner.release)
	require.NoError(t, <-stopDone)
	assert.Equal(t, domain.StateCompleted, running.Job.State)

	_, err = s.Submit(context.Background(), &domain.DownloadJob{UserID: 3, SourceURL: "late"})
	require.Error(t, err)
	rej, ok := domain.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, domain.RejectServerBusy, rej.Code)
}

func TestCancelledJobNotCharged(t *testing.T) {
	runner := &scriptRunner{started: make(chan string, 8), release: make(chan struct{})}
	tracker := newFakeTracker(domain.TierFree, 100, 100)
	s := newScheduler(t, Config{WorkerCount: 1, MaxQueueDepth: 8}, runner, tracker)

	submitJob(t, s, 1, "running")
	<-runner.started
	queued := submitJob(t, s, 2, "queued")
	require.True(t, s.Cancel(context.Background(), queued.Job.ID))
	_, _ = queued.Wait(context.Background())

	close(runner.release)

	// The cancelled outcome is reported to the tracker, which decides
	// not to charge it.
	assert.Eventually(t, func() bool {
		for _, o := range tracker.recorded() {
			if o.State == domain.StateCancelled {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
