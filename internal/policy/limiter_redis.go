package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window-log limiter backed by a Redis sorted set
// per key, for relay deployments running more than one process behind the
// same Postgres database. Each member is a unique token scored by its
// request timestamp; Allow trims everything older than the window before
// counting, so the limit is enforced across every process sharing the
// instance.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func redisKey(key string) string {
	return "uam:ratelimit:" + key
}

// Allow trims expired entries from key's sorted set, and if fewer than limit
// remain, adds the current request and admits it.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	rk := redisKey(key)
	now := time.Now()
	cutoff := now.Add(-window)

	if err := l.client.ZRemRangeByScore(ctx, rk, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
		return false, err
	}

	count, err := l.client.ZCard(ctx, rk).Result()
	if err != nil {
		return false, err
	}
	if int(count) >= limit {
		return false, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, rk, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, rk, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RetryAfter returns the time until the oldest entry in key's window expires.
func (l *RedisLimiter) RetryAfter(ctx context.Context, key string, window time.Duration) (time.Duration, error) {
	rk := redisKey(key)
	results, err := l.client.ZRangeWithScores(ctx, rk, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	oldest := time.Unix(0, int64(results[0].Score))
	d := oldest.Add(window).Sub(time.Now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
