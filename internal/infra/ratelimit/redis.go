package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bayou/internal/domain"
)

const redisKeyPrefix = "bayou:ratelimit:"

// RedisLimiter shares fixed windows across every process pointed at the same
// redis database.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

type RedisLimiterConfig struct {
	Addr     string
	Password string
	DB       int
	Now      func() time.Time
}

// countScript increments a window counter, starting its expiry on first use,
// and returns the count with the remaining ttl in milliseconds.
var countScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

func NewRedisLimiter(cfg RedisLimiterConfig) (*RedisLimiter, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisLimiter{client: client, now: cfg.Now}, nil
}

// Ping checks that the redis server answers.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis rate limiter: %w", err)
	}
	return nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key domain.RateLimitKey, limit domain.RateLimit) (domain.RateLimitDecision, error) {
	if limit.Disabled() {
		return domain.RateLimitDecision{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}, nil
	}
	windowMillis := limit.Window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1000
	}
	values, err := countScript.Run(ctx, r.client, []string{redisKeyPrefix + key.String()}, windowMillis).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	if len(values) < 2 {
		return domain.RateLimitDecision{}, errors.New("unexpected redis rate limit response")
	}
	return decide(values[0], values[1], limit.Requests, r.now()), nil
}

func decide(count, ttlMillis int64, requests int, now time.Time) domain.RateLimitDecision {
	resetAt := now
	if ttlMillis > 0 {
		resetAt = now.Add(time.Duration(ttlMillis) * time.Millisecond)
	}
	remaining := requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   count <= int64(requests),
		Limit:     requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

var _ domain.RateLimiter = (*RedisLimiter)(nil)
