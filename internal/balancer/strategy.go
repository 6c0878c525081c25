// Package balancer selects a backend instance for a request using one of
// several strategies over live registry discovery results.
package balancer

// Strategy identifies a load balancing algorithm.
type Strategy string

const (
	// StrategyRoundRobin cycles through instances in stable order.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyWeightedRoundRobin picks instances with probability
	// proportional to their registered weight.
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"

	// StrategyLeastConnections picks the instance with the fewest
	// in-flight requests tracked by this gateway process.
	StrategyLeastConnections Strategy = "least_connections"

	// StrategyIPHash maps a caller address deterministically onto an
	// instance. The mapping is stable only while the instance set is.
	StrategyIPHash Strategy = "ip_hash"

	// StrategyHealthBased picks the instance with the fewest consecutive
	// failures, breaking ties by last observed response time.
	StrategyHealthBased Strategy = "health_based"
)

// Valid returns true for a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastConnections,
		StrategyIPHash, StrategyHealthBased:
		return true
	}
	return false
}

// ParseStrategy maps a config string to a Strategy, defaulting to
// round robin for empty input.
func ParseStrategy(s string) (Strategy, bool) {
	if s == "" {
		return StrategyRoundRobin, true
	}
	st := Strategy(s)
	return st, st.Valid()
}
