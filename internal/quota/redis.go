package quota

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

const redisOpTimeout = 200 * time.Millisecond

// RedisTracker is a fixed-window tracker backed by Redis, shared across
// instances. On Redis errors it falls back to a process-local tracker
// so that admission keeps working without the shared view.
type RedisTracker struct {
	client   *redis.Client
	limits   Limits
	tierOf   TierFunc
	fallback *MemoryTracker
	logger   observability.Logger
	now      func() time.Time
}

// NewRedisTracker creates a Redis-backed tracker.
func NewRedisTracker(client *redis.Client, limits Limits, tierOf TierFunc, logger observability.Logger) *RedisTracker {
	return &RedisTracker{
		client:   client,
		limits:   limits,
		tierOf:   tierOf,
		fallback: NewMemoryTracker(limits, tierOf),
		logger:   logger,
		now:      time.Now,
	}
}

// windowKey buckets usage into fixed windows keyed by user.
func (t *RedisTracker) windowKey(userID int64) string {
	bucket := t.now().Unix() / int64(t.limits.Window.Seconds())
	return fmt.Sprintf("quota:%d:%d", userID, bucket)
}

// GetSnapshot implements Tracker.
func (t *RedisTracker) GetSnapshot(ctx context.Context, userID int64) (domain.UserQuotaSnapshot, error) {
	tier, err := t.tierOf(ctx, userID)
	if err != nil {
		return domain.UserQuotaSnapshot{}, err
	}
	concurrent, perWindow := t.limits.forTier(tier)

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	used, err := t.client.Get(opCtx, t.windowKey(userID)).Int()
	if err != nil && err != redis.Nil {
		t.logger.Warn(ctx, "quota read failed, using local fallback", observability.Fields{
			"user_id": userID,
			"error":   err.Error(),
		})
		return t.fallback.GetSnapshot(ctx, userID)
	}

	remaining := perWindow - used
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
func (t *RedisTracker) RecordUsage(ctx context.Context, outcome domain.JobOutcome) error {
	if outcome.State == domain.StateCancelled {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := t.windowKey(outcome.UserID)
	n, err := t.client.Incr(opCtx, key).Result()
	if err != nil {
		t.logger.Warn(ctx, "quota write failed, using local fallback", observability.Fields{
			"user_id": outcome.UserID,
			"error":   err.Error(),
		})
		return t.fallback.RecordUsage(ctx, outcome)
	}
	if n == 1 {
		// Pad the TTL slightly past the window so a slow expiry never
		// resurrects a stale count in the next bucket.
		_ = t.client.Expire(opCtx, key, t.limits.Window+5*time.Second).Err()
	}
	return nil
}
