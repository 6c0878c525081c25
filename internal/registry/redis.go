package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mlevkov/gwcore/internal/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hash fields of an instance record. Static registration data is stored as
// one JSON blob; the mutable health fields are separate so they can be
// updated atomically without rewriting the blob.
const (
	fieldData        = "data"
	fieldStatus      = "status"
	fieldFailures    = "failures"
	fieldHeartbeatMs = "heartbeat_ms"
	fieldResponseMs  = "response_ms"
)

// updateHealthScript applies a health update as one atomic read-modify-write:
// status change, failure counter, heartbeat refresh and TTL refresh.
// KEYS[1] = instance hash
// ARGV[1] = status, ARGV[2] = heartbeat unix ms, ARGV[3] = response ms (< 0 to skip), ARGV[4] = ttl ms
var updateHealthScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	if ARGV[1] == 'healthy' then
		redis.call('HSET', KEYS[1], 'status', ARGV[1], 'failures', 0)
	else
		redis.call('HSET', KEYS[1], 'status', ARGV[1])
		redis.call('HINCRBY', KEYS[1], 'failures', 1)
	end
	redis.call('HSET', KEYS[1], 'heartbeat_ms', ARGV[2])
	if tonumber(ARGV[3]) >= 0 then
		redis.call('HSET', KEYS[1], 'response_ms', ARGV[3])
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return 1
`)

// instanceData is the static part of a record, frozen at registration.
type instanceData struct {
	ID             string            `json:"id"`
	ServiceName    string            `json:"serviceName"`
	ServiceVersion string            `json:"serviceVersion,omitempty"`
	BaseURL        string            `json:"baseUrl"`
	HealthCheckURL string            `json:"healthCheckUrl,omitempty"`
	Weight         int               `json:"weight"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RegisteredAt   time.Time         `json:"registeredAt"`
}

// RedisRegistry implements Registry on the shared Redis store. Each instance
// is a hash with a native TTL; a per-service set indexes instance ids. The
// index may reference expired hashes and is pruned lazily during discovery.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisRegistry creates a Redis-backed registry. A non-positive ttl falls
// back to DefaultTTL.
func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (r *RedisRegistry) instanceKey(serviceName, id string) string {
	return r.prefix + "registry:inst:" + serviceName + ":" + id
}

func (r *RedisRegistry) indexKey(serviceName string) string {
	return r.prefix + "registry:idx:" + serviceName
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, inst *ServiceInstance) (string, time.Time, error) {
	if err := inst.Validate(); err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	id := uuid.NewString()

	data, err := json.Marshal(instanceData{
		ID:             id,
		ServiceName:    inst.ServiceName,
		ServiceVersion: inst.ServiceVersion,
		BaseURL:        inst.BaseURL,
		HealthCheckURL: inst.HealthCheckURL,
		Weight:         inst.Weight,
		Tags:           inst.Tags,
		Metadata:       inst.Metadata,
		RegisteredAt:   now,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to encode instance: %w", err)
	}

	key := r.instanceKey(inst.ServiceName, id)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldData, string(data),
			fieldStatus, string(StatusHealthy),
			fieldFailures, 0,
			fieldHeartbeatMs, now.UnixMilli(),
			fieldResponseMs, 0,
		)
		pipe.PExpire(ctx, key, r.ttl)
		pipe.SAdd(ctx, r.indexKey(inst.ServiceName), id)
		return nil
	})
	if err != nil {
		return "", time.Time{}, util.NewStorageError("register", err)
	}

	r.logger.Info("instance registered",
		zap.String("service", inst.ServiceName),
		zap.String("instance", id),
		zap.Int("weight", inst.Weight),
	)

	return id, now, nil
}

// Discover implements Registry.
func (r *RedisRegistry) Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey(serviceName)).Result()
	if err != nil {
		return nil, util.NewStorageError("discover", err)
	}
	if len(ids) == 0 {
		return []*ServiceInstance{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.instanceKey(serviceName, id))
		}
		return nil
	})
	if err != nil {
		return nil, util.NewStorageError("discover", err)
	}

	now := time.Now()
	result := make([]*ServiceInstance, 0, len(ids))
	var stale []interface{}

	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// Hash expired; drop the dangling index entry.
			stale = append(stale, ids[i])
			continue
		}

		inst, err := decodeInstance(fields)
		if err != nil {
			r.logger.Warn("skipping undecodable instance record",
				zap.String("service", serviceName),
				zap.String("instance", ids[i]),
				zap.Error(err),
			)
			continue
		}

		if inst.Status != StatusHealthy || !inst.Fresh(now, r.ttl) {
			continue
		}
		result = append(result, inst)
	}

	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.indexKey(serviceName), stale...).Err()
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

// UpdateHealth implements Registry.
func (r *RedisRegistry) UpdateHealth(
	ctx context.Context,
	serviceName, instanceID string,
	status HealthStatus,
	responseTimeMs int64,
) error {
	if !status.Valid() {
		return util.WrapError(util.ErrInvalidInput, "unknown health status")
	}

	res, err := updateHealthScript.Run(ctx, r.client,
		[]string{r.instanceKey(serviceName, instanceID)},
		string(status),
		time.Now().UnixMilli(),
		responseTimeMs,
		r.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return util.NewStorageError("update health", err)
	}

	if n, ok := res.(int64); !ok || n == 0 {
		return util.WrapError(util.ErrNotFound, "instance "+instanceID)
	}

	return nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, serviceName, instanceID string) (*ServiceInstance, error) {
	fields, err := r.client.HGetAll(ctx, r.instanceKey(serviceName, instanceID)).Result()
	if err != nil {
		return nil, util.NewStorageError("get instance", err)
	}
	if len(fields) == 0 {
		return nil, util.WrapError(util.ErrNotFound, "instance "+instanceID)
	}
	return decodeInstance(fields)
}

// Deregister implements Registry.
func (r *RedisRegistry) Deregister(ctx context.Context, serviceName, instanceID string) error {
	removed, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.instanceKey(serviceName, instanceID))
		pipe.SRem(ctx, r.indexKey(serviceName), instanceID)
		return nil
	})
	if err != nil {
		return util.NewStorageError("deregister", err)
	}

	if del, ok := removed[0].(*redis.IntCmd); ok && del.Val() == 0 {
		return util.WrapError(util.ErrNotFound, "instance "+instanceID)
	}

	return nil
}

func decodeInstance(fields map[string]string) (*ServiceInstance, error) {
	var data instanceData
	if err := json.Unmarshal([]byte(fields[fieldData]), &data); err != nil {
		return nil, fmt.Errorf("failed to decode instance data: %w", err)
	}

	failures, _ := strconv.Atoi(fields[fieldFailures])
	heartbeatMs, _ := strconv.ParseInt(fields[fieldHeartbeatMs], 10, 64)
	responseMs, _ := strconv.ParseInt(fields[fieldResponseMs], 10, 64)

	return &ServiceInstance{
		ID:                  data.ID,
		ServiceName:         data.ServiceName,
		ServiceVersion:      data.ServiceVersion,
		BaseURL:             data.BaseURL,
		HealthCheckURL:      data.HealthCheckURL,
		Weight:              data.Weight,
		Tags:                data.Tags,
		Metadata:            data.Metadata,
		Status:              HealthStatus(fields[fieldStatus]),
		ConsecutiveFailures: failures,
		LastHeartbeat:       time.UnixMilli(heartbeatMs),
		ResponseTimeMs:      responseMs,
		RegisteredAt:        data.RegisteredAt,
	}, nil
}
