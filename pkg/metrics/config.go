package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for metrics collection.
type Config struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Registry is the Prometheus registry to use. If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Registry: prometheus.DefaultRegisterer,
	}
}

// Build returns the Registry described by c, or nil when metrics are disabled.
// The default registerer always maps to the shared DefaultRegistry.
func (c Config) Build() *Registry {
	if !c.Enabled {
		return nil
	}
	if c.Registry == nil || c.Registry == prometheus.DefaultRegisterer {
		return Default()
	}
	return NewRegistry(c.Registry)
}
