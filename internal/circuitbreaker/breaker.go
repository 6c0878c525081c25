package circuitbreaker

import "context"

// Breaker tracks call outcomes per (service, route) pair and decides whether
// requests may proceed.
//
// CanExecute never returns an error: when the underlying storage is
// unavailable the breaker fails open and allows the request, since rejecting
// traffic on a bookkeeping failure would turn a storage blip into an outage.
type Breaker interface {
	// CanExecute reports whether a request to the pair is currently allowed.
	// An open circuit whose cooldown has elapsed transitions to half-open
	// and lets the probe request through.
	CanExecute(ctx context.Context, service, route string) bool

	// RecordSuccess notes a successful call. In half-open state enough
	// consecutive successes close the circuit; in closed state the failure
	// count resets.
	RecordSuccess(ctx context.Context, service, route string)

	// RecordFailure notes a failed call and returns the resulting state.
	// In closed state reaching the failure threshold opens the circuit; in
	// half-open state a single failure reopens it.
	RecordFailure(ctx context.Context, service, route string) State

	// Status returns a snapshot for the pair. Pairs never seen report a
	// closed circuit.
	Status(ctx context.Context, service, route string) (*Status, error)

	// List returns snapshots of every pair the breaker has seen.
	List(ctx context.Context) ([]*Status, error)
}
