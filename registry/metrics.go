package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	broadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crdt_sync_broadcasts_sent_total",
		Help: "Broadcast frames enqueued to subscribers.",
	})
	broadcastsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crdt_sync_broadcasts_dropped_total",
		Help: "Broadcast frames dropped because a subscriber queue was full.",
	})
)

func init() {
	prometheus.MustRegister(broadcastsSent, broadcastsDropped)
}
