// Package metrics provides Prometheus instrumentation for admit components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values used on DecisionsTotal.
const (
	OutcomeAdmit  = "admit"
	OutcomeDelay  = "delay"
	OutcomeReject = "reject"
)

// Bypass reason label values used on BypassedTotal.
const (
	BypassNoIdentity = "no_identity"
	BypassNoStore    = "no_store"
)

// Registry holds all metric instances for admit components.
type Registry struct {
	// Admission engine
	BucketChecks *prometheus.CounterVec
	Decisions    *prometheus.CounterVec
	DelaySeconds prometheus.Histogram
	StoreErrors  *prometheus.CounterVec
	Bypassed     *prometheus.CounterVec
	ConfigErrors prometheus.Counter

	// HTTP adapter
	HTTPRejected *prometheus.CounterVec

	// Counter store health
	StoreUp prometheus.Gauge
}

// DefaultRegistry is registered against prometheus.DefaultRegisterer.
// It is created lazily so that importing the package has no side effects.
var DefaultRegistry *Registry

// Default returns DefaultRegistry, creating it on first use.
func Default() *Registry {
	if DefaultRegistry == nil {
		DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	}
	return DefaultRegistry
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		BucketChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "engine",
				Name:      "bucket_checks_total",
				Help:      "Total number of rate buckets evaluated, by scope",
			},
			[]string{"scope"},
		),

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "engine",
				Name:      "decisions_total",
				Help:      "Admission decisions by outcome",
			},
			[]string{"outcome"},
		),

		DelaySeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "admit",
				Subsystem: "engine",
				Name:      "delay_seconds",
				Help:      "Cumulative delay imposed on admitted requests",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "engine",
				Name:      "store_errors_total",
				Help:      "Counter store failures absorbed by failing open",
			},
			[]string{"operation"},
		),

		Bypassed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "engine",
				Name:      "bypassed_total",
				Help:      "Requests that skipped rate limiting entirely",
			},
			[]string{"reason"},
		),

		ConfigErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "engine",
				Name:      "config_errors_total",
				Help:      "Actions without a configured limit treated as unlimited",
			},
		),

		HTTPRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "admit",
				Subsystem: "http",
				Name:      "rejected_total",
				Help:      "Requests answered with 429 by the middleware",
			},
			[]string{"action"},
		),

		StoreUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "admit",
				Subsystem: "store",
				Name:      "up",
				Help:      "1 when the last counter store probe succeeded",
			},
		),
	}
}
