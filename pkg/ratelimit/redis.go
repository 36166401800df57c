package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// acquireScript trims calls that left the window, then either records a new
// call (returns 0) or returns the milliseconds until the oldest call leaves.
//
// KEYS[1] = calls set, ARGV = now_ms, window_ms, limit, member
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return 0
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
	wait = 1
end
return wait
`)

// redisRetryDelay is how long Acquire waits after a Redis error before
// trying again.
const redisRetryDelay = 250 * time.Millisecond

// RedisWindow is a sliding window limiter whose state lives in Redis, so the
// quota is shared by every process using the same key.
type RedisWindow struct {
	redis  *redis.Client
	key    string
	limit  int
	window time.Duration

	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisWindow creates a Redis-backed limiter. An empty key selects
// RedisKeyCalls.
func NewRedisWindow(redisClient *redis.Client, key string, limit int, window time.Duration, logger zerolog.Logger) (*RedisWindow, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0 (got %d)", limit)
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be >= 1ms (got %s)", window)
	}
	if key == "" {
		key = RedisKeyCalls
	}
	return &RedisWindow{
		redis:  redisClient,
		key:    key,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Acquire blocks until Redis records a call slot for this caller.
// Redis failures are logged and retried; they never let a call through.
func (w *RedisWindow) Acquire(ctx context.Context) error {
	member := uuid.NewString()
	start := w.now()
	throttled := false

	for {
		wait, err := w.tryAcquire(ctx, member)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rateLimitRedisErrorsTotal.Inc()
			w.logger.Warn().Err(err).Str("key", w.key).Msg("Rate limit acquire failed - retrying")
			wait = redisRetryDelay
		} else if wait == 0 {
			rateLimitAcquiredTotal.WithLabelValues("redis").Inc()
			if throttled {
				rateLimitWaitSeconds.WithLabelValues("redis").Observe(w.now().Sub(start).Seconds())
			}
			return nil
		} else if !throttled {
			throttled = true
			rateLimitThrottledTotal.WithLabelValues("redis").Inc()
			w.logger.Debug().
				Dur("wait_duration", wait).
				Int("limit", w.limit).
				Msg("Rate limit window full - waiting for slot")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *RedisWindow) tryAcquire(ctx context.Context, member string) (time.Duration, error) {
	waitMs, err := acquireScript.Run(ctx, w.redis, []string{w.key},
		w.now().UnixMilli(), w.window.Milliseconds(), w.limit, member).Int64()
	if err != nil {
		return 0, fmt.Errorf("run acquire script: %w", err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

// State trims the call set and reports the calls left in the window.
func (w *RedisWindow) State(ctx context.Context) (WindowState, error) {
	now := w.now()
	start := now.Add(-w.window)

	pipe := w.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, w.key, "-inf", fmt.Sprintf("%d", start.UnixMilli()))
	count := pipe.ZCard(ctx, w.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return WindowState{}, fmt.Errorf("read rate limit state from redis: %w", err)
	}

	return WindowState{
		WindowStart:   start,
		CallsInWindow: int(count.Val()),
		Limit:         w.limit,
		Window:        w.window,
		Backend:       "redis",
	}, nil
}
