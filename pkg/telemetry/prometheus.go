package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// RegistryStats is the view of the config registry exported to Prometheus.
type RegistryStats interface {
	Len() int
	Generation() uint64
}

// RegistryCollector exposes config registry state as Prometheus gauges.
type RegistryCollector struct {
	stats      RegistryStats
	configs    *prometheus.Desc
	generation *prometheus.Desc
}

// NewRegistryCollector builds a collector reading stats on every scrape.
func NewRegistryCollector(stats RegistryStats) *RegistryCollector {
	return &RegistryCollector{
		stats: stats,
		configs: prometheus.NewDesc(
			"aggregator_registry_configs",
			"Number of aggregation configs currently published.",
			nil, nil,
		),
		generation: prometheus.NewDesc(
			"aggregator_registry_generation",
			"Number of index publications since start.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.configs
	ch <- c.generation
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.configs, prometheus.GaugeValue, float64(c.stats.Len()))
	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.CounterValue, float64(c.stats.Generation()))
}

// NewPrometheusRegistry returns a registry carrying the Go and process
// collectors plus the config registry collector.
func NewPrometheusRegistry(stats RegistryStats) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewRegistryCollector(stats),
	)
	return reg
}
