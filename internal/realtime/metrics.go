package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatekeeper",
		Subsystem: "realtime",
		Name:      "connections_active",
		Help:      "Open websocket connections.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Inbound events by admission outcome.",
	}, []string{"event", "outcome"})

	terminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "realtime",
		Name:      "terminations_total",
		Help:      "Connections closed by the server, by error code.",
	}, []string{"code"})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "realtime",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped because a send buffer was full.",
	})
)

const (
	outcomeHandled  = "handled"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)
