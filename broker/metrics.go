package broker

import "github.com/prometheus/client_golang/prometheus"

var registryKeys = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "crdt_sync_registry_keys",
	Help: "Replicas currently stored in the registry.",
})

func init() {
	prometheus.MustRegister(registryKeys)
}
