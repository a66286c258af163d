package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig is the per-creator intake budget: at most Limit requests
// in any sliding Window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult reports the outcome of a single budget check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces a sliding-window budget on order intake, keyed per
// creator. Every creator gets an independent window, so one chatty service
// owner cannot starve intake for everyone else. The window lives in a Redis
// sorted set scored by arrival time, which keeps the count exact even with
// several gateway instances checking concurrently.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Limit returns the configured budget, for response headers.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow records one attempt for key and reports whether it fits the budget.
// Rejected attempts still occupy the window: a creator that keeps hammering
// the API does not regain budget until it backs off.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	redisKey := "ratelimit:" + key
	cutoff := strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	used := int(countCmd.Val())
	result := &RateLimitResult{
		Allowed:   used <= r.config.Limit,
		Remaining: max(0, r.config.Limit-used),
		ResetAt:   now.Add(r.config.Window),
	}
	if !result.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("used", used),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}
