package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hiveforge/substrate/core"
)

// PrometheusRegistry implements core.MetricsRegistry on top of
// github.com/prometheus/client_golang. It lazily creates a
// CounterVec/GaugeVec/HistogramVec per metric name the first time it is
// used, keyed by the label names seen on that first call — subsequent calls
// must use the same label set, exactly as client_golang requires.
//
// The underlying *prometheus.Registry is exposed through Gatherer so an
// external Prometheus/Grafana scraper can consume it directly.
type PrometheusRegistry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusRegistry creates an empty registry.
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP /metrics
// handler such as promhttp.HandlerFor; hooks.Hub.GetMetrics returns it.
func (r *PrometheusRegistry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func labelNames(labels []string) []string {
	names := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		names = append(names, labels[i])
	}
	return names
}

func labelValues(names []string, labels []string) prometheus.Labels {
	vals := prometheus.Labels{}
	pairs := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs[labels[i]] = labels[i+1]
	}
	for _, n := range names {
		vals[n] = pairs[n]
	}
	return vals
}

func (r *PrometheusRegistry) Counter(name string, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := labelNames(labels)
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricSafeName(name)}, names)
		r.reg.MustRegister(vec)
		r.counters[name] = vec
	}
	vec.With(labelValues(names, labels)).Inc()
}

func (r *PrometheusRegistry) Gauge(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := labelNames(labels)
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricSafeName(name)}, names)
		r.reg.MustRegister(vec)
		r.gauges[name] = vec
	}
	vec.With(labelValues(names, labels)).Set(value)
}

func (r *PrometheusRegistry) Histogram(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := labelNames(labels)
	vec, ok := r.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: metricSafeName(name)}, names)
		r.reg.MustRegister(vec)
		r.histograms[name] = vec
	}
	vec.With(labelValues(names, labels)).Observe(value)
}

func (r *PrometheusRegistry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	r.Gauge(name, value, labels...)
}

var _ core.MetricsRegistry = (*PrometheusRegistry)(nil)

func metricSafeName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}
