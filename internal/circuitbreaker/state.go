// Package circuitbreaker tracks backend failures per service and route and
// short-circuits requests to targets that keep failing.
package circuitbreaker

import "time"

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is testing if the backend recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of one breaker.
type Status struct {
	Service         string    `json:"service"`
	Route           string    `json:"route"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	NextRetryAt     time.Time `json:"nextRetryAt,omitempty"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Config holds circuit breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long an open circuit rejects requests before a
	// half-open probe is allowed.
	Cooldown time.Duration `yaml:"cooldown"`

	// RecoveryThreshold is the number of consecutive successes in
	// half-open state that closes the circuit again.
	RecoveryThreshold int `yaml:"recovery_threshold"`

	// HalfOpenMax caps how many probe requests may be in flight at once
	// while half-open. A slot frees when the probe's outcome is recorded.
	HalfOpenMax int `yaml:"half_open_max"`
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		RecoveryThreshold: 2,
		HalfOpenMax:       2,
	}
}

// Validate fills invalid fields with defaults.
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = c.RecoveryThreshold
	}
}
