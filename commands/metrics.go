package commands

import "github.com/prometheus/client_golang/prometheus"

var commandsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "crdt_sync_commands_total",
	Help: "Commands processed, by type and outcome.",
}, []string{"type", "status"})

func init() {
	prometheus.MustRegister(commandsProcessed)
}
