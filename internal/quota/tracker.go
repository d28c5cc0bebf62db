// Package quota tracks per-user rate limits and tiers. The scheduler
// reads an immutable snapshot at admission and records usage after
// every terminal outcome; it never mutates limits itself.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
)

// Tracker is the external quota/tier contract.
type Tracker interface {
	// GetSnapshot returns the user's current limits and remaining
	// window budget.
	GetSnapshot(ctx context.Context, userID int64) (domain.UserQuotaSnapshot, error)

	// RecordUsage charges a finished job against the user's window.
	// Cancelled-before-download jobs are not charged.
	RecordUsage(ctx context.Context, outcome domain.JobOutcome) error
}

// Limits are the per-tier policy applied by the built-in trackers.
type Limits struct {
	FreeConcurrent    int
	PremiumConcurrent int
	AdminConcurrent   int
	FreePerWindow     int
	PremiumPerWindow  int
	Window            time.Duration
}

// DefaultLimits mirror the shipped deployment defaults.
func DefaultLimits() Limits {
	return Limits{
		FreeConcurrent:    1,
		PremiumConcurrent: 3,
		AdminConcurrent:   5,
		FreePerWindow:     5,
		PremiumPerWindow:  30,
		Window:            time.Minute,
	}
}

func (l Limits) forTier(tier domain.Tier) (concurrent, perWindow int) {
	switch tier {
	case domain.TierAdmin:
		// Admins are not window-limited.
		return l.AdminConcurrent, 1 << 30
	case domain.TierPremium:
		return l.PremiumConcurrent, l.PremiumPerWindow
	default:
		return l.FreeConcurrent, l.FreePerWindow
	}
}

// TierFunc reports a user's tier. Backed by the subscription store in
// production; injectable for tests.
type TierFunc func(ctx context.Context, userID int64) (domain.Tier, error)

// MemoryTracker is a process-local fixed-window tracker.
type MemoryTracker struct {
	limits Limits
	tierOf TierFunc

	mu      sync.Mutex
	windows map[int64]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	used  int
}

// NewMemoryTracker creates a tracker with the given per-tier limits.
// A nil tierOf treats every user as free tier.
func NewMemoryTracker(limits Limits, tierOf TierFunc) *MemoryTracker {
	if tierOf == nil {
		tierOf = func(ctx context.Context, userID int64) (domain.Tier, error) {
			return domain.TierFree, nil
		}
	}
	return &MemoryTracker{
		limits:  limits,
		tierOf:  tierOf,
		windows: make(map[int64]*window),
		now:     time.Now,
	}
}

// GetSnapshot implements Tracker.
func (t *MemoryTracker) GetSnapshot(ctx context.Context, userID int64) (domain.UserQuotaSnapshot, error) {
	tier, err := t.tierOf(ctx, userID)
	if err != nil {
		return domain.UserQuotaSnapshot{}, err
	}
	concurrent, perWindow := t.limits.forTier(tier)

	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.currentWindow(userID)
	remaining := perWindow - w.used
	if remaining < 0 {
		remaining = 0
	}
	return domain.UserQuotaSnapshot{
		Tier:               tier,
		ConcurrentJobLimit: concurrent,
		RequestsPerWindow:  perWindow,
		WindowDuration:     t.limits.Window,
		RemainingInWindow:  remaining,
	}, nil
}

// RecordUsage implements Tracker.
func (t *MemoryTracker) RecordUsage(ctx context.Context, outcome domain.JobOutcome) error {
	if outcome.State == domain.StateCancelled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentWindow(outcome.UserID).used++
	return nil
}

func (t *MemoryTracker) currentWindow(userID int64) *window {
	now := t.now()
	w, ok := t.windows[userID]
	if !ok || now.Sub(w.start) >= t.limits.Window {
		w = &window{start: now}
		t.windows[userID] = w
	}
	return w
}
