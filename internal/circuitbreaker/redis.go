package circuitbreaker

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/util"
)

// Breaker hash fields: state (0/1/2), failures, successes, inflight, next_ms,
// changed_ms. Every operation runs as one Lua script so concurrent gateway
// replicas see a consistent transition even when they race on the same pair.

// canExecuteScript: KEYS[1]=pair hash, ARGV[1]=now unix ms,
// ARGV[2]=max in-flight half-open probes.
// Returns {allowed, previous state, new state}.
var canExecuteScript = redis.NewScript(`
	local state = tonumber(redis.call('HGET', KEYS[1], 'state') or '0')
	if state == 0 then
		return {1, 0, 0}
	end
	if state == 2 then
		local inflight = tonumber(redis.call('HGET', KEYS[1], 'inflight') or '0')
		if inflight < tonumber(ARGV[2]) then
			redis.call('HINCRBY', KEYS[1], 'inflight', 1)
			return {1, 2, 2}
		end
		return {0, 2, 2}
	end
	local next_ms = tonumber(redis.call('HGET', KEYS[1], 'next_ms') or '0')
	if tonumber(ARGV[1]) >= next_ms then
		redis.call('HSET', KEYS[1], 'state', 2, 'successes', 0, 'inflight', 1, 'changed_ms', ARGV[1])
		return {1, 1, 2}
	end
	return {0, 1, 1}
`)

// recordSuccessScript: KEYS[1]=pair hash, ARGV[1]=now ms, ARGV[2]=recovery threshold.
// Returns {previous state, new state}.
var recordSuccessScript = redis.NewScript(`
	local state = tonumber(redis.call('HGET', KEYS[1], 'state') or '0')
	if state == 0 then
		redis.call('HSET', KEYS[1], 'failures', 0)
		return {0, 0}
	end
	if state == 1 then
		return {1, 1}
	end
	local inflight = tonumber(redis.call('HGET', KEYS[1], 'inflight') or '0')
	if inflight > 0 then
		redis.call('HSET', KEYS[1], 'inflight', inflight - 1)
	end
	local succ = redis.call('HINCRBY', KEYS[1], 'successes', 1)
	if succ >= tonumber(ARGV[2]) then
		redis.call('HSET', KEYS[1], 'state', 0, 'failures', 0, 'successes', 0, 'inflight', 0, 'changed_ms', ARGV[1])
		return {2, 0}
	end
	return {2, 2}
`)

// recordFailureScript: KEYS[1]=pair hash, ARGV[1]=now ms,
// ARGV[2]=failure threshold, ARGV[3]=retry deadline unix ms.
// Returns {previous state, new state}.
var recordFailureScript = redis.NewScript(`
	local state = tonumber(redis.call('HGET', KEYS[1], 'state') or '0')
	if state == 1 then
		return {1, 1}
	end
	if state == 2 then
		redis.call('HSET', KEYS[1], 'state', 1, 'successes', 0, 'inflight', 0, 'next_ms', ARGV[3], 'changed_ms', ARGV[1])
		return {2, 1}
	end
	local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
	if failures >= tonumber(ARGV[2]) then
		redis.call('HSET', KEYS[1], 'state', 1, 'next_ms', ARGV[3], 'changed_ms', ARGV[1])
		return {0, 1}
	end
	return {0, 0}
`)

// RedisBreaker implements Breaker on shared Redis state, so every gateway
// replica observes the same circuit.
type RedisBreaker struct {
	client *redis.Client
	prefix string
	config Config
	logger *zap.Logger
}

// NewRedisBreaker creates a Redis-backed circuit breaker.
func NewRedisBreaker(client *redis.Client, prefix string, config Config, logger *zap.Logger) *RedisBreaker {
	config.Validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBreaker{client: client, prefix: prefix, config: config, logger: logger}
}

func (b *RedisBreaker) pairHashKey(service, route string) string {
	return b.prefix + "cb:" + pairKey(service, route)
}

func (b *RedisBreaker) indexSetKey() string {
	return b.prefix + "cb:idx"
}

// CanExecute implements Breaker. Storage errors fail open.
func (b *RedisBreaker) CanExecute(ctx context.Context, service, route string) bool {
	res, err := canExecuteScript.Run(ctx, b.client,
		[]string{b.pairHashKey(service, route)},
		time.Now().UnixMilli(),
		b.config.HalfOpenMax,
	).Int64Slice()
	if err != nil {
		b.logger.Warn("breaker check failed, allowing request",
			zap.String("service", service),
			zap.String("route", route),
			zap.Error(err),
		)
		return true
	}

	b.observeTransition(service, route, res[1], res[2])

	if res[0] == 0 {
		recordRejected(service, route)
		return false
	}
	return true
}

// RecordSuccess implements Breaker.
func (b *RedisBreaker) RecordSuccess(ctx context.Context, service, route string) {
	res, err := recordSuccessScript.Run(ctx, b.client,
		[]string{b.pairHashKey(service, route)},
		time.Now().UnixMilli(),
		b.config.RecoveryThreshold,
	).Int64Slice()
	if err != nil {
		b.logger.Warn("failed to record breaker success", zap.Error(err))
		return
	}
	b.trackPair(ctx, service, route)
	b.observeTransition(service, route, res[0], res[1])
}

// RecordFailure implements Breaker.
func (b *RedisBreaker) RecordFailure(ctx context.Context, service, route string) State {
	now := time.Now()
	res, err := recordFailureScript.Run(ctx, b.client,
		[]string{b.pairHashKey(service, route)},
		now.UnixMilli(),
		b.config.FailureThreshold,
		now.Add(b.config.Cooldown).UnixMilli(),
	).Int64Slice()
	if err != nil {
		b.logger.Warn("failed to record breaker failure", zap.Error(err))
		return StateClosed
	}
	b.trackPair(ctx, service, route)
	b.observeTransition(service, route, res[0], res[1])
	return State(res[1])
}

// Status implements Breaker.
func (b *RedisBreaker) Status(ctx context.Context, service, route string) (*Status, error) {
	fields, err := b.client.HGetAll(ctx, b.pairHashKey(service, route)).Result()
	if err != nil {
		return nil, util.NewStorageError("breaker status", err)
	}

	st := &Status{Service: service, Route: route, State: StateClosed}
	if len(fields) > 0 {
		stateNum, _ := strconv.Atoi(fields["state"])
		st.State = State(stateNum)
		st.Failures, _ = strconv.Atoi(fields["failures"])
		st.Successes, _ = strconv.Atoi(fields["successes"])
		if ms, err := strconv.ParseInt(fields["next_ms"], 10, 64); err == nil && ms > 0 {
			st.NextRetryAt = time.UnixMilli(ms)
		}
		if ms, err := strconv.ParseInt(fields["changed_ms"], 10, 64); err == nil && ms > 0 {
			st.LastStateChange = time.UnixMilli(ms)
		}
	}
	st.StateName = st.State.String()
	return st, nil
}

// List implements Breaker.
func (b *RedisBreaker) List(ctx context.Context) ([]*Status, error) {
	pairs, err := b.client.SMembers(ctx, b.indexSetKey()).Result()
	if err != nil {
		return nil, util.NewStorageError("breaker list", err)
	}

	result := make([]*Status, 0, len(pairs))
	for _, pair := range pairs {
		service, route := splitPairKey(pair)
		st, err := b.Status(ctx, service, route)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Service != result[j].Service {
			return result[i].Service < result[j].Service
		}
		return result[i].Route < result[j].Route
	})
	return result, nil
}

func (b *RedisBreaker) trackPair(ctx context.Context, service, route string) {
	_ = b.client.SAdd(ctx, b.indexSetKey(), pairKey(service, route)).Err()
}

func (b *RedisBreaker) observeTransition(service, route string, from, to int64) {
	if from == to {
		return
	}
	recordStateChange(service, route, State(from), State(to))
	b.logger.Info("circuit breaker state changed",
		zap.String("service", service),
		zap.String("route", route),
		zap.String("from", State(from).String()),
		zap.String("to", State(to).String()),
	)
}
