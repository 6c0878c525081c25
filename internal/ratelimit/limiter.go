// Package ratelimit enforces per-key request limits with a sliding window
// log, so a burst at a window boundary can never double the admitted rate.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the configured maximum for the window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time

	// RetryAfter is how long a rejected caller should wait. Zero when
	// the request was allowed.
	RetryAfter time.Duration

	// FailedOpen is set when the limiter could not reach its backing
	// store and admitted the request on a degraded local decision.
	FailedOpen bool

	// Err carries the storage failure behind a FailedOpen decision.
	// Nil whenever the decision came from the real window.
	Err error
}

// Limiter answers whether a request identified by key fits within limit
// requests per window.
//
// IsAllowed never returns an error: a limiter that cannot reach its backing
// store degrades to a local approximation and flags the result with
// FailedOpen instead of rejecting traffic.
type Limiter interface {
	IsAllowed(ctx context.Context, key string, limit int, window time.Duration) *Result

	// Reset clears the recorded history for a key.
	Reset(ctx context.Context, key string) error
}

func allowedResult(limit, remaining int, resetAt time.Time) *Result {
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func rejectedResult(limit int, resetAt time.Time, now time.Time) *Result {
	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}
}
