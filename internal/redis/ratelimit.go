package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a Redis sorted set per key,
// scored by request time in nanoseconds.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks a single request.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks n requests at once; either all are admitted or none.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	resetAt := now.Add(r.config.Window)
	redisKey := keyPrefix + "ratelimit:" + key

	var countCmd *redis.IntCmd
	_, err := r.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cutoff := strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10)
		pipe.ZRemRangeByScore(ctx, redisKey, "0", cutoff)
		countCmd = pipe.ZCard(ctx, redisKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	remaining := r.config.Limit - current

	if current+n > r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{Allowed: false, Limit: r.config.Limit, Remaining: max(0, remaining), ResetAt: resetAt}, nil
	}

	_, err = r.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := 0; i < n; i++ {
			pipe.ZAdd(ctx, redisKey, redis.Z{
				Score:  float64(now.UnixNano() + int64(i)),
				Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
			})
		}
		pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{Allowed: true, Limit: r.config.Limit, Remaining: remaining - n, ResetAt: resetAt}, nil
}
