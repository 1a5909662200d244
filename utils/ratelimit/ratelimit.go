// Package ratelimit implements fixed-window request limits backed by Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/config"
)

// Limiter decides whether one more request under key fits the rule.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (bool, error)
	AllowN(ctx context.Context, key string, n int, rule Rule) (bool, error)
	Reset(ctx context.Context, key string, rule Rule) error
	Remaining(ctx context.Context, key string, rule Rule) (int, error)
}

// Rule is a request budget for one window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Endpoint classes with separate budgets.
const (
	ClassAuth    = "auth"
	ClassWebhook = "webhook"
	ClassAPI     = "api"
)

const defaultLimit = 100

// RuleFor returns the budget configured for class. Unknown classes and
// unset limits fall back to 100 requests per minute.
func RuleFor(class string, cfg config.RateLimitConfig) Rule {
	limit := 0
	switch class {
	case ClassAuth:
		limit = cfg.AuthPerMinute
	case ClassWebhook:
		limit = cfg.WebhookPerMinute
	case ClassAPI:
		limit = cfg.APIPerMinute
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return Rule{Limit: limit, Window: time.Minute}
}

// RedisLimiter counts requests per window bucket with INCRBY + EXPIRE.
type RedisLimiter struct {
	client   *redis.Client
	logger   *zap.Logger
	failOpen bool
	prefix   string
	now      func() time.Time
}

type Option func(*RedisLimiter)

// WithClock overrides the clock used to pick window buckets.
func WithClock(now func() time.Time) Option {
	return func(l *RedisLimiter) { l.now = now }
}

// WithPrefix sets the Redis key prefix, "ratelimit" by default.
func WithPrefix(prefix string) Option {
	return func(l *RedisLimiter) { l.prefix = prefix }
}

// NewRedisLimiter creates a limiter. With failOpen set, requests are let
// through while Redis is unreachable.
func NewRedisLimiter(client *redis.Client, logger *zap.Logger, failOpen bool, opts ...Option) *RedisLimiter {
	l := &RedisLimiter{
		client:   client,
		logger:   logger,
		failOpen: failOpen,
		prefix:   "ratelimit",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, rule Rule) (bool, error) {
	return l.AllowN(ctx, key, 1, rule)
}

func (l *RedisLimiter) AllowN(ctx context.Context, key string, n int, rule Rule) (bool, error) {
	bucketKey := l.bucketKey(key, l.now(), rule.Window)

	pipe := l.client.Pipeline()
	incr := pipe.IncrBy(ctx, bucketKey, int64(n))
	pipe.Expire(ctx, bucketKey, rule.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit check failed, allowing request",
				zap.String("key", key),
				zap.Error(err),
			)
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incr.Val()
	if count > int64(rule.Limit) {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", rule.Limit),
		)
		return false, nil
	}
	return true, nil
}

// Reset clears the current bucket for key.
func (l *RedisLimiter) Reset(ctx context.Context, key string, rule Rule) error {
	if err := l.client.Del(ctx, l.bucketKey(key, l.now(), rule.Window)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit for key %s: %w", key, err)
	}
	return nil
}

// Remaining reports how many requests are left in the current bucket.
func (l *RedisLimiter) Remaining(ctx context.Context, key string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, l.bucketKey(key, l.now(), rule.Window)).Int64()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining requests: %w", err)
	}
	return max(rule.Limit-int(count), 0), nil
}

func (l *RedisLimiter) bucketKey(key string, now time.Time, window time.Duration) string {
	if window < time.Second {
		window = time.Second
	}
	bucket := now.UnixMilli() / window.Milliseconds()
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)
}
