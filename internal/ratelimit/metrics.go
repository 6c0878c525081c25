package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"backend", "outcome"},
	)

	rateLimitFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_fallback_total",
			Help: "Total number of rate limit checks served by the local fallback",
		},
	)
)

func recordDecision(backend string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	rateLimitDecisionsTotal.WithLabelValues(backend, outcome).Inc()
}
