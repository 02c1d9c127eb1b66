package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "applyfeed_live_connections",
		Help: "Live-update connections currently registered.",
	})

	hubEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applyfeed_broadcast_events_total",
		Help: "Events fanned out by the hub.",
	}, []string{"type"})

	hubPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "applyfeed_live_connections_pruned_total",
		Help: "Connections removed after a failed write.",
	})

	relayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applyfeed_nats_relay_messages_total",
		Help: "Records relayed through NATS by direction and result.",
	}, []string{"direction", "result"})
)
