package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
)

func tierStub(tier domain.Tier) TierFunc {
	return func(ctx context.Context, userID int64) (domain.Tier, error) {
		return tier, nil
	}
}

func outcome(userID int64, state domain.JobState) domain.JobOutcome {
	return domain.JobOutcome{JobID: "job-1", UserID: userID, State: state}
}

func TestMemoryTrackerTierLimits(t *testing.T) {
	tests := []struct {
		name           string
		tier           domain.Tier
		wantConcurrent int
		wantPerWindow  int
	}{
		{"free", domain.TierFree, 1, 5},
		{"premium", domain.TierPremium, 3, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewMemoryTracker(DefaultLimits(), tierStub(tt.tier))
			snap, err := tr.GetSnapshot(context.Background(), 42)
			require.NoError(t, err)
			assert.Equal(t, tt.tier, snap.Tier)
			assert.Equal(t, tt.wantConcurrent, snap.ConcurrentJobLimit)
			assert.Equal(t, tt.wantPerWindow, snap.RequestsPerWindow)
			assert.Equal(t, tt.wantPerWindow, snap.RemainingInWindow)
		})
	}
}

func TestMemoryTrackerChargesWindow(t *testing.T) {
	tr := NewMemoryTracker(DefaultLimits(), tierStub(domain.TierFree))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.RecordUsage(ctx, outcome(42, domain.StateCompleted)))
	}
	snap, err := tr.GetSnapshot(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RemainingInWindow)

	// Other users are unaffected.
	other, err := tr.GetSnapshot(ctx, 43)
	require.NoError(t, err)
	assert.Equal(t, 5, other.RemainingInWindow)
}

func TestMemoryTrackerCancelledNotCharged(t *testing.T) {
	tr := NewMemoryTracker(DefaultLimits(), tierStub(domain.TierFree))
	ctx := context.Background()

	require.NoError(t, tr.RecordUsage(ctx, outcome(42, domain.StateCancelled)))
	snap, err := tr.GetSnapshot(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.RemainingInWindow)
}

func TestMemoryTrackerFailedStillCharged(t *testing.T) {
	tr := NewMemoryTracker(DefaultLimits(), tierStub(domain.TierFree))
	ctx := context.Background()

	require.NoError(t, tr.RecordUsage(ctx, outcome(42, domain.StateFailed)))
	snap, err := tr.GetSnapshot(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.RemainingInWindow)
}

func TestMemoryTrackerWindowRollover(t *testing.T) {
	tr := NewMemoryTracker(DefaultLimits(), tierStub(domain.TierFree))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.RecordUsage(ctx, outcome(42, domain.StateCompleted)))
	}
	snap, err := tr.GetSnapshot(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RemainingInWindow)

	now = now.Add(61 * time.Second)
	snap, err = tr.GetSnapshot(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.RemainingInWindow, "window should reset after it elapses")
}

func TestMemoryTrackerAdminUnbounded(t *testing.T) {
	tr := NewMemoryTracker(DefaultLimits(), tierStub(domain.TierAdmin))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, tr.RecordUsage(ctx, outcome(7, domain.StateCompleted)))
	}
	snap, err := tr.GetSnapshot(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.TierAdmin, snap.Tier)
	assert.Equal(t, 5, snap.ConcurrentJobLimit)
	assert.Greater(t, snap.RemainingInWindow, 0)
}
