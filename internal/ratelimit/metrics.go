package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "ratelimit",
		Name:      "checks_total",
		Help:      "Total number of rate limit checks by policy and outcome",
	}, []string{"policy", "outcome"})

	checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "ratelimit",
		Name:      "check_duration_seconds",
		Help:      "Time spent deciding a rate limit check",
		Buckets:   prometheus.DefBuckets,
	}, []string{"policy"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "ratelimit",
		Name:      "store_errors_total",
		Help:      "Total number of counter store failures",
	}, []string{"op"})
)

const (
	outcomeAllowed    = "allowed"
	outcomeDenied     = "denied"
	outcomeBlocked    = "blocked"
	outcomeErrorAllow = "error_allow"
	outcomeErrorDeny  = "error_deny"
)
