package listener

import "github.com/prometheus/client_golang/prometheus"

var sessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "crdt_sync_sessions_open",
	Help: "Peer sessions currently open on this endpoint.",
})

func init() {
	prometheus.MustRegister(sessionsOpen)
}
