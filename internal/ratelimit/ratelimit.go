// Package ratelimit implements sliding-window rate limiting on Redis
// sorted sets. The engine uses it to shield the intake API from
// notification floods.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "courier:ratelimit:"

// Config defines the limit: at most Limit requests per Window per key.
type Config struct {
	Limit  int
	Window time.Duration
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter tracks request timestamps per key in a Redis ZSET and trims
// everything outside the sliding window on each check.
type Limiter struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	config Config
}

// New creates a limiter.
func New(rdb redis.UniversalClient, logger *zap.Logger, config Config) *Limiter {
	return &Limiter{rdb: rdb, logger: logger, config: config}
}

// Allow checks whether one more request fits in the window for key.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	windowStart := now.Add(-l.config.Window)
	redisKey := keyPrefix + key

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("trim rate limit window: %w", err)
	}

	current := int(countCmd.Val())
	result := &Result{
		Remaining: l.config.Limit - current,
		ResetAt:   now.Add(l.config.Window),
	}

	if current >= l.config.Limit {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", l.config.Limit),
		)
		result.Remaining = 0
		return result, nil
	}

	pipe = l.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, l.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record rate limit hit: %w", err)
	}

	result.Allowed = true
	result.Remaining--
	return result, nil
}
