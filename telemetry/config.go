// Package telemetry wires OpenTelemetry tracing and a Prometheus-backed
// metrics registry behind the core.Telemetry / core.MetricsRegistry
// interfaces. The Prometheus registry is the surface external scrapers
// consume via hooks.GetMetrics.
package telemetry

import "time"

// Config controls telemetry wiring. DefaultConfig supplies the defaults; no
// loader in this package reads the env or default struct tags
// (cmd/substrate reads SUBSTRATE_TELEMETRY_ENABLED and
// SUBSTRATE_OTLP_ENDPOINT itself).
type Config struct {
	ServiceName    string        `json:"service_name" env:"SUBSTRATE_SERVICE_NAME" default:"substrate"`
	Enabled        bool          `json:"enabled" env:"SUBSTRATE_TELEMETRY_ENABLED" default:"false"`
	OTLPEndpoint   string        `json:"otlp_endpoint" env:"SUBSTRATE_OTLP_ENDPOINT" default:"localhost:4317"`
	SampleRatio    float64       `json:"sample_ratio" env:"SUBSTRATE_TRACE_SAMPLE_RATIO" default:"1.0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SUBSTRATE_TELEMETRY_SHUTDOWN_TIMEOUT" default:"5s"`
}

// DefaultConfig returns sensible defaults for local/dev use (tracing
// disabled, metrics always on since they're in-process and free).
func DefaultConfig() Config {
	return Config{
		ServiceName:     "substrate",
		Enabled:         false,
		OTLPEndpoint:    "localhost:4317",
		SampleRatio:     1.0,
		ShutdownTimeout: 5 * time.Second,
	}
}
