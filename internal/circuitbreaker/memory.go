package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// record holds one pair's breaker state. Each record carries its own mutex
// so contention stays scoped to a single (service, route) pair.
type record struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	// inflight counts half-open probes admitted but not yet resolved.
	inflight  int
	nextRetry time.Time
	changedAt time.Time
}

// MemoryBreaker implements Breaker with in-process state.
type MemoryBreaker struct {
	config  Config
	logger  *zap.Logger
	records sync.Map // "service|route" -> *record
}

// NewMemoryBreaker creates an in-memory circuit breaker.
func NewMemoryBreaker(config Config, logger *zap.Logger) *MemoryBreaker {
	config.Validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBreaker{config: config, logger: logger}
}

func pairKey(service, route string) string {
	return service + "|" + route
}

func (b *MemoryBreaker) record(service, route string) *record {
	key := pairKey(service, route)
	if r, ok := b.records.Load(key); ok {
		return r.(*record)
	}
	r, _ := b.records.LoadOrStore(key, &record{state: StateClosed, changedAt: time.Now()})
	return r.(*record)
}

// CanExecute implements Breaker.
func (b *MemoryBreaker) CanExecute(ctx context.Context, service, route string) bool {
	r, ok := b.records.Load(pairKey(service, route))
	if !ok {
		return true
	}

	rec := r.(*record)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if rec.inflight < b.config.HalfOpenMax {
			rec.inflight++
			return true
		}
		recordRejected(service, route)
		return false
	case StateOpen:
		if !time.Now().Before(rec.nextRetry) {
			b.transition(rec, service, route, StateHalfOpen)
			rec.successes = 0
			rec.inflight = 1
			return true
		}
		recordRejected(service, route)
		return false
	default:
		return false
	}
}

// RecordSuccess implements Breaker.
func (b *MemoryBreaker) RecordSuccess(ctx context.Context, service, route string) {
	rec := b.record(service, route)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case StateClosed:
		rec.failures = 0
	case StateHalfOpen:
		if rec.inflight > 0 {
			rec.inflight--
		}
		rec.successes++
		if rec.successes >= b.config.RecoveryThreshold {
			b.transition(rec, service, route, StateClosed)
			rec.failures = 0
			rec.successes = 0
			rec.inflight = 0
		}
	case StateOpen:
		// A late response from before the circuit opened. Ignore it.
	}
}

// RecordFailure implements Breaker.
func (b *MemoryBreaker) RecordFailure(ctx context.Context, service, route string) State {
	rec := b.record(service, route)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case StateClosed:
		rec.failures++
		if rec.failures >= b.config.FailureThreshold {
			b.transition(rec, service, route, StateOpen)
			rec.nextRetry = time.Now().Add(b.config.Cooldown)
		}
	case StateHalfOpen:
		b.transition(rec, service, route, StateOpen)
		rec.nextRetry = time.Now().Add(b.config.Cooldown)
		rec.successes = 0
		rec.inflight = 0
	case StateOpen:
	}

	return rec.state
}

// Status implements Breaker.
func (b *MemoryBreaker) Status(ctx context.Context, service, route string) (*Status, error) {
	r, ok := b.records.Load(pairKey(service, route))
	if !ok {
		return &Status{
			Service:   service,
			Route:     route,
			State:     StateClosed,
			StateName: StateClosed.String(),
		}, nil
	}

	rec := r.(*record)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return &Status{
		Service:         service,
		Route:           route,
		State:           rec.state,
		StateName:       rec.state.String(),
		Failures:        rec.failures,
		Successes:       rec.successes,
		NextRetryAt:     rec.nextRetry,
		LastStateChange: rec.changedAt,
	}, nil
}

// List implements Breaker.
func (b *MemoryBreaker) List(ctx context.Context) ([]*Status, error) {
	var result []*Status
	b.records.Range(func(key, value any) bool {
		service, route := splitPairKey(key.(string))
		st, _ := b.Status(ctx, service, route)
		result = append(result, st)
		return true
	})

	sort.Slice(result, func(i, j int) bool {
		if result[i].Service != result[j].Service {
			return result[i].Service < result[j].Service
		}
		return result[i].Route < result[j].Route
	})
	return result, nil
}

// transition changes the record state. Caller holds the record mutex.
func (b *MemoryBreaker) transition(rec *record, service, route string, to State) {
	from := rec.state
	rec.state = to
	rec.changedAt = time.Now()

	recordStateChange(service, route, from, to)
	b.logger.Info("circuit breaker state changed",
		zap.String("service", service),
		zap.String("route", route),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

func splitPairKey(key string) (service, route string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
