package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState shows the current state per (service, route).
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "route"},
	)

	// breakerStateChangesTotal counts state transitions.
	breakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"service", "route", "from", "to"},
	)

	// breakerRejectedTotal counts requests rejected by an open circuit.
	breakerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejected_total",
			Help: "Total number of requests rejected due to open circuit",
		},
		[]string{"service", "route"},
	)
)

func recordStateChange(service, route string, from, to State) {
	breakerStateChangesTotal.WithLabelValues(service, route, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(service, route).Set(float64(to))
}

func recordRejected(service, route string) {
	breakerRejectedTotal.WithLabelValues(service, route).Inc()
}
