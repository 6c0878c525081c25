package ratelimit

import (
	"context"
	"sync"
	"time"
)

// keyLog is the request timestamp log for one key. Timestamps are appended
// in order, so pruning only trims the head.
type keyLog struct {
	mu    sync.Mutex
	times []time.Time
}

// LocalLimiter implements Limiter with an in-process sliding window log.
// Every admitted request is recorded with its timestamp; a check counts the
// timestamps still inside the window, which makes the limit exact rather
// than the approximation a bucketed counter gives.
type LocalLimiter struct {
	keys sync.Map // string -> *keyLog
}

// NewLocalLimiter creates an in-memory sliding window limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{}
}

// IsAllowed implements Limiter.
func (l *LocalLimiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) *Result {
	now := time.Now()

	if limit <= 0 {
		return rejectedResult(limit, now.Add(window), now)
	}

	kl := l.log(key)
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := now.Add(-window)
	kl.prune(cutoff)

	if len(kl.times) >= limit {
		resetAt := kl.times[0].Add(window)
		res := rejectedResult(limit, resetAt, now)
		recordDecision("local", false)
		return res
	}

	kl.times = append(kl.times, now)

	resetAt := kl.times[0].Add(window)
	res := allowedResult(limit, limit-len(kl.times), resetAt)
	recordDecision("local", true)
	return res
}

// Reset implements Limiter.
func (l *LocalLimiter) Reset(ctx context.Context, key string) error {
	l.keys.Delete(key)
	return nil
}

func (l *LocalLimiter) log(key string) *keyLog {
	if kl, ok := l.keys.Load(key); ok {
		return kl.(*keyLog)
	}
	kl, _ := l.keys.LoadOrStore(key, &keyLog{})
	return kl.(*keyLog)
}

// prune drops timestamps at or before the cutoff. Caller holds the mutex.
func (kl *keyLog) prune(cutoff time.Time) {
	i := 0
	for i < len(kl.times) && !kl.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		kl.times = append(kl.times[:0], kl.times[i:]...)
	}
}
