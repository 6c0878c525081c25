package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// slidingWindowScript admits one request against a ZSET timestamp log.
// KEYS[1] = log key
// ARGV[1] = limit, ARGV[2] = window ms, ARGV[3] = now unix ms, ARGV[4] = unique member suffix
// Returns {allowed, remaining, reset unix ms}.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)

	local count = redis.call('ZCARD', key)
	local allowed = 0
	if count < limit then
		redis.call('ZADD', key, now, now .. ':' .. ARGV[4])
		count = count + 1
		allowed = 1
	end

	redis.call('PEXPIRE', key, window_ms + 1000)

	local reset_ms = now + window_ms
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		reset_ms = tonumber(oldest[2]) + window_ms
	end

	return {allowed, limit - count, reset_ms}
`)

// RedisLimiter implements Limiter with a shared ZSET log per key, so all
// gateway replicas count against the same window. Redis calls run through a
// circuit breaker; when Redis is down or the breaker is open, decisions come
// from a local token bucket and the result is flagged FailedOpen.
type RedisLimiter struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	// seq makes ZSET members unique within one millisecond.
	seq atomic.Uint64

	fallbackMu sync.Mutex
	fallback   map[string]*rate.Limiter
}

// NewRedisLimiter creates a Redis-backed sliding window limiter.
func NewRedisLimiter(client *redis.Client, prefix string, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &RedisLimiter{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		fallback: make(map[string]*rate.Limiter),
	}

	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ratelimit-redis",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate limit storage breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return l
}

// IsAllowed implements Limiter.
func (l *RedisLimiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) *Result {
	now := time.Now()

	if limit <= 0 {
		return rejectedResult(limit, now.Add(window), now)
	}

	res, err := l.breaker.Execute(func() (interface{}, error) {
		return slidingWindowScript.Run(ctx, l.client,
			[]string{l.prefix + "rl:" + key},
			limit,
			window.Milliseconds(),
			now.UnixMilli(),
			l.seq.Add(1),
		).Int64Slice()
	})
	if err != nil {
		l.logger.Warn("rate limit check degraded to local decision",
			zap.String("key", key),
			zap.Error(err),
		)
		rateLimitFallbackTotal.Inc()
		return l.allowFallback(key, limit, window, now, err)
	}

	values := res.([]int64)
	if len(values) < 3 {
		rateLimitFallbackTotal.Inc()
		return l.allowFallback(key, limit, window, now,
			fmt.Errorf("unexpected rate limit script reply of %d values", len(values)))
	}

	resetAt := time.UnixMilli(values[2])
	if values[0] == 1 {
		recordDecision("redis", true)
		return allowedResult(limit, int(values[1]), resetAt)
	}
	recordDecision("redis", false)
	return rejectedResult(limit, resetAt, now)
}

// Reset implements Limiter.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+"rl:"+key).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit key: %w", err)
	}

	l.fallbackMu.Lock()
	delete(l.fallback, key)
	l.fallbackMu.Unlock()

	return nil
}

// allowFallback approximates the limit with a per-key token bucket while
// Redis is unreachable. It deliberately errs toward admitting traffic.
func (l *RedisLimiter) allowFallback(key string, limit int, window time.Duration, now time.Time, cause error) *Result {
	l.fallbackMu.Lock()
	tb, ok := l.fallback[key]
	if !ok {
		tb = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
		l.fallback[key] = tb
	}
	l.fallbackMu.Unlock()

	resetAt := now.Add(window)
	var res *Result
	if tb.Allow() {
		res = allowedResult(limit, 0, resetAt)
	} else {
		res = rejectedResult(limit, resetAt, now)
	}
	res.FailedOpen = true
	res.Err = cause
	recordDecision("fallback", res.Allowed)
	return res
}
