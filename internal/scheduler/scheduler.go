// Package scheduler admits, orders and executes download jobs on a
// fixed worker pool. One mutex guards the job table, the priority
// queue and the per-user counters; everything the workers block on is
// context-bound.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
	"github.com/swagaswaga777/kachokvideo-bot/internal/quota"
)

// Runner executes the download stages of a dequeued job. advance moves
// the job forward through its lifecycle; a false return means the job
// was cancelled underneath the runner, which should stop promptly.
type Runner interface {
	Run(ctx context.Context, job *domain.DownloadJob, advance func(domain.JobState) bool) (*domain.DeliveryResult, error)
}

// Config sizes the scheduler.
type Config struct {
	WorkerCount int
	// MaxQueueDepth bounds jobs waiting for a worker. Submissions past
	// it are rejected as ServerBusy rather than queued without bound.
	MaxQueueDepth int
	// PriorityBoostAge promotes queued jobs one tier after this wait so
	// free-tier jobs cannot starve behind a stream of premium ones.
	PriorityBoostAge time.Duration
}

// Ticket tracks one submitted job to its terminal state.
type Ticket struct {
	Job  *domain.DownloadJob
	done chan struct{}
	e    *jobEntry
}

// Wait blocks until the job is terminal or ctx ends. It returns the
// delivery result or the job's terminal error.
func (t *Ticket) Wait(ctx context.Context) (*domain.DeliveryResult, error) {
	select {
	case <-t.done:
		return t.e.result, t.e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scheduler is the job admission and execution core.
type Scheduler struct {
	cfg     Config
	runner  Runner
	tracker quota.Tracker
	logger  observability.Logger
	metrics observability.Metrics
	now     func() time.Time

	mu           sync.Mutex
	cond         *sync.Cond
	jobs         map[string]*jobEntry
	queue        jobHeap
	activeByUser map[int64]int
	nextSeq      uint64
	stopping     bool

	wg sync.WaitGroup
}

// New creates a scheduler. Call Start before submitting.
func New(cfg Config, runner Runner, tracker quota.Tracker, provider *observability.Provider) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		runner:       runner,
		tracker:      tracker,
		logger:       provider.Logger("scheduler"),
		metrics:      provider.Metrics("scheduler"),
		now:          time.Now,
		jobs:         make(map[string]*jobEntry),
		activeByUser: make(map[int64]int),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info(context.Background(), "worker pool started", observability.Fields{
		"workers":     s.cfg.WorkerCount,
		"queue_depth": s.cfg.MaxQueueDepth,
	})
}

// Submit admits a job carrying extracted media and a route decision.
// The job gains its identity (id, tier, priority, timestamps) here.
// Admission failures come back as *domain.Rejection.
func (s *Scheduler) Submit(ctx context.Context, job *domain.DownloadJob) (*Ticket, error) {
	snap, err := s.tracker.GetSnapshot(ctx, job.UserID)
	if err != nil {
		return nil, domain.FailureFrom(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		s.metrics.RecordError("submit", "shutting_down")
		return nil, domain.NewRejection(domain.RejectServerBusy, "shutting down")
	}
	if snap.RemainingInWindow <= 0 {
		s.metrics.RecordError("submit", "rate_limited")
		return nil, domain.NewRejection(domain.RejectRateLimited,
			"window budget of %d exhausted, retry in %s", snap.RequestsPerWindow, snap.WindowDuration)
	}
	if s.activeByUser[job.UserID] >= snap.ConcurrentJobLimit {
		s.metrics.RecordError("submit", "too_many_concurrent")
		return nil, domain.NewRejection(domain.RejectTooManyConcurrent,
			"already running %d of %d allowed jobs", s.activeByUser[job.UserID], snap.ConcurrentJobLimit)
	}
	if len(s.queue) >= s.cfg.MaxQueueDepth {
		s.metrics.RecordError("submit", "queue_full")
		return nil, domain.NewRejection(domain.RejectServerBusy, "queue is full")
	}

	job.ID = uuid.NewString()
	job.Tier = snap.Tier
	job.Priority = snap.Tier.Priority()
	job.State = domain.StateQueued
	job.CreatedAt = s.now()

	e := &jobEntry{
		job:         job,
		effPriority: job.Priority,
		seq:         s.nextSeq,
		done:        make(chan struct{}),
	}
	s.nextSeq++
	s.jobs[job.ID] = e
	s.activeByUser[job.UserID]++
	heap.Push(&s.queue, e)
	s.cond.Signal()

	s.metrics.RecordSuccess("submit")
	s.logger.Info(ctx, "job queued", observability.Fields{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"platform": string(job.Platform),
		"tier":     string(job.Tier),
		"queued":   len(s.queue),
	})
	return &Ticket{Job: job, done: e.done, e: e}, nil
}

// Cancel stops a job. Queued jobs are withdrawn immediately; running
// jobs get their context cancelled and wind down best effort. Returns
// false when the job is unknown or already terminal.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	e, ok := s.jobs[jobID]
	if !ok || e.job.State.Terminal() {
		s.mu.Unlock()
		return false
	}
	if !e.running {
		// index is -1 when a worker has popped the entry but not yet
		// marked it running; finalizing here wins the handoff and runJob
		// drops the entry at its terminal check.
		if e.index >= 0 {
			heap.Remove(&s.queue, e.index)
		}
		s.finalizeLocked(e, nil, domain.NewFailure(domain.FailCancelled, nil, "cancelled while queued"))
		s.mu.Unlock()
		s.settle(ctx, e)
		return true
	}
	cancel := e.cancel
	s.mu.Unlock()

	s.logger.Info(ctx, "cancelling running job", observability.Fields{"job_id": jobID})
	if cancel != nil {
		cancel()
	}
	return true
}

// Stop refuses new work, withdraws everything still queued and waits
// for running jobs until ctx expires, then cancels the stragglers.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	var withdrawn []*jobEntry
	for len(s.queue) > 0 {
		e := heap.Pop(&s.queue).(*jobEntry)
		s.finalizeLocked(e, nil, domain.NewFailure(domain.FailCancelled, nil, "scheduler stopped"))
		withdrawn = append(withdrawn, e)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, e := range withdrawn {
		s.settle(ctx, e)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info(ctx, "scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, e := range s.jobs {
			if e.running && e.cancel != nil {
				e.cancel()
			}
		}
		s.mu.Unlock()
		s.wg.Wait()
		return ctx.Err()
	}
}

// Queued reports how many jobs are waiting for a worker.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		e := s.next()
		if e == nil {
			return
		}
		s.runJob(e)
	}
}

// next blocks until a job is available or the scheduler is stopping.
func (s *Scheduler) next() *jobEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopping {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil
	}
	s.rescoreLocked()
	return heap.Pop(&s.queue).(*jobEntry)
}

// rescoreLocked applies the age boost. The queue is small (bounded by
// MaxQueueDepth) so a full pass per dequeue is fine.
func (s *Scheduler) rescoreLocked() {
	if s.cfg.PriorityBoostAge <= 0 {
		return
	}
	now := s.now()
	changed := false
	for _, e := range s.queue {
		boosted := e.job.Priority
		if boosted > 0 && now.Sub(e.job.CreatedAt) >= s.cfg.PriorityBoostAge {
			boosted--
		}
		if boosted != e.effPriority {
			e.effPriority = boosted
			changed = true
		}
	}
	if changed {
		heap.Init(&s.queue)
	}
}

func (s *Scheduler) runJob(e *jobEntry) {
	ctx := context.WithValue(context.Background(), observability.CtxJobID, e.job.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if e.job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	e.running = true
	e.cancel = cancel
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			// A panicking job must not take its worker down; the slot
			// is released and the job resolves to Failed.
			err := fmt.Errorf("panic: %v", r)
			s.logger.Error(ctx, "job panicked", err, observability.Fields{"job_id": e.job.ID})
			s.metrics.RecordError("run", "panic")
			s.finish(ctx, e, nil, domain.NewFailure(domain.FailUnknown, err, "internal error"))
		}
	}()

	start := s.now()
	s.metrics.StartOperation("run")
	res, err := s.runner.Run(ctx, e.job, func(to domain.JobState) bool {
		return s.advance(ctx, e, to)
	})
	s.metrics.EndOperation("run")
	s.metrics.RecordDuration("run", s.now().Sub(start).Seconds())

	s.finish(ctx, e, res, err)
}

// advance moves the job to the next lifecycle state if the transition
// is legal. Cancellation races resolve here: once terminal, no forward
// transition is accepted.
func (s *Scheduler) advance(ctx context.Context, e *jobEntry, to domain.JobState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := e.job.State
	if !domain.CanTransition(from, to) {
		return false
	}
	e.job.State = to
	s.logger.Info(ctx, "job state changed", observability.Fields{
		"job_id": e.job.ID,
		"from":   string(from),
		"to":     string(to),
	})
	return true
}

// finish resolves a job run to its terminal state and settles the
// bookkeeping. Safe to call when the job already went terminal through
// a concurrent cancel.
func (s *Scheduler) finish(ctx context.Context, e *jobEntry, res *domain.DeliveryResult, err error) {
	s.mu.Lock()
	if e.job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	s.finalizeLocked(e, res, err)
	s.mu.Unlock()
	s.settle(ctx, e)
}

// finalizeLocked assigns the terminal state, releases the user's slot
// and removes the job from the table. Caller holds the mutex and calls
// settle afterwards.
func (s *Scheduler) finalizeLocked(e *jobEntry, res *domain.DeliveryResult, err error) {
	switch {
	case err == nil:
		e.job.State = domain.StateCompleted
	default:
		if rej, ok := domain.AsRejection(err); ok {
			e.job.State = domain.StateRejected
			e.job.FailureCode = string(rej.Code)
		} else {
			f := domain.FailureFrom(err)
			if f.Code == domain.FailCancelled {
				e.job.State = domain.StateCancelled
			} else {
				e.job.State = domain.StateFailed
			}
			e.job.FailureCode = string(f.Code)
			err = f
		}
	}
	e.job.TerminalAt = s.now()
	e.result = res
	e.err = err

	s.activeByUser[e.job.UserID]--
	if s.activeByUser[e.job.UserID] <= 0 {
		delete(s.activeByUser, e.job.UserID)
	}
	delete(s.jobs, e.job.ID)
}

// settle records usage, emits telemetry and wakes waiters. Runs outside
// the mutex; the entry is already terminal and off the table.
func (s *Scheduler) settle(ctx context.Context, e *jobEntry) {
	outcome := domain.JobOutcome{
		JobID:    e.job.ID,
		UserID:   e.job.UserID,
		State:    e.job.State,
		Platform: e.job.Platform,
	}
	if e.result != nil {
		outcome.SizeBytes = e.result.SizeBytes
	}
	usageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.tracker.RecordUsage(usageCtx, outcome); err != nil {
		s.logger.Warn(ctx, "usage recording failed", observability.Fields{
			"job_id": e.job.ID,
			"error":  err.Error(),
		})
	}

	fields := observability.Fields{
		"job_id": e.job.ID,
		"state":  string(e.job.State),
	}
	if e.job.FailureCode != "" {
		fields["code"] = e.job.FailureCode
	}
	switch e.job.State {
	case domain.StateCompleted:
		s.metrics.RecordSuccess("job")
		s.logger.Info(ctx, "job completed", fields)
	default:
		s.metrics.RecordError("job", e.job.FailureCode)
		s.logger.Warn(ctx, "job finished without delivery", fields)
	}
	close(e.done)
}
