package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	burstKeyPrefix = "chat:burst:"
	windowDuration = 60 * time.Second
	keyTTL         = 90 * time.Second
)

// BurstLimiter is a Redis sorted-set sliding window bounding how many turns
// a user may start per minute. It protects the model backend from rapid-fire
// clients; the daily quota is enforced separately by the Tracker.
type BurstLimiter struct {
	rdb redis.Cmdable
}

// NewBurstLimiter creates a Redis-backed burst limiter.
func NewBurstLimiter(rdb redis.Cmdable) *BurstLimiter {
	return &BurstLimiter{rdb: rdb}
}

// CheckAndIncrement reports whether the user is under maxPerMinute and, if
// so, records this request in the window.
func (bl *BurstLimiter) CheckAndIncrement(ctx context.Context, userID string, maxPerMinute int) (bool, error) {
	key := burstKeyPrefix + userID
	now := time.Now()
	nowMs := float64(now.UnixMilli())
	windowStart := float64(now.Add(-windowDuration).UnixMilli())

	pipe := bl.rdb.Pipeline()

	// Drop entries older than the window, then count what's left.
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(windowStart, 'f', 0, 64))
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter pipeline (clean+count): %w", err)
	}

	count := countCmd.Val()
	if count >= int64(maxPerMinute) {
		return false, nil
	}

	pipe2 := bl.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe2.ZAdd(ctx, key, redis.Z{Score: nowMs, Member: member})
	pipe2.Expire(ctx, key, keyTTL)

	if _, err := pipe2.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter pipeline (add): %w", err)
	}

	return true, nil
}

// Usage returns the number of turns started in the current window.
func (bl *BurstLimiter) Usage(ctx context.Context, userID string) (int, error) {
	key := burstKeyPrefix + userID
	now := time.Now()
	windowStart := float64(now.Add(-windowDuration).UnixMilli())
	nowMs := float64(now.UnixMilli())

	count, err := bl.rdb.ZCount(ctx, key,
		strconv.FormatFloat(windowStart, 'f', 0, 64),
		strconv.FormatFloat(nowMs, 'f', 0, 64)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading burst usage: %w", err)
	}
	return int(count), nil
}
