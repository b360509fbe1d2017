package hooks

import "github.com/prometheus/client_golang/prometheus"

// MetricsGatherer is the narrow surface of telemetry.PrometheusRegistry
// Hub.GetMetrics exposes — a prometheus.Gatherer, so an external Prometheus
// scraper can consume it via promhttp.HandlerFor without this package
// depending on the HTTP transport that scraper uses.
type MetricsGatherer interface {
	Gatherer() prometheus.Gatherer
}

// GetMetrics returns the typed metrics stream (counters + histograms)
// consumed by the Prometheus collaborator. Returns nil if no metrics
// registry was wired.
func (h *Hub) GetMetrics() prometheus.Gatherer {
	if h.deps.Metrics == nil {
		return nil
	}
	return h.deps.Metrics.Gatherer()
}
