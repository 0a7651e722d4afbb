package lattice

import (
	"github.com/prometheus/client_golang/prometheus"
)

// hostMetrics tracks lifecycle activity. Each host owns its own registry so
// tests can run hosts side by side without duplicate-collector panics.
type hostMetrics struct {
	registry *prometheus.Registry

	stateTransitions *prometheus.CounterVec
	registeredSvcs   prometheus.Gauge
	phase2Seconds    prometheus.Histogram
	shutdownTimeouts prometheus.Counter
}

func newHostMetrics() *hostMetrics {
	m := &hostMetrics{
		registry: prometheus.NewRegistry(),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lattice",
			Name:      "module_state_transitions_total",
			Help:      "Module state machine transitions.",
		}, []string{"module", "state"}),
		registeredSvcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lattice",
			Name:      "registered_services",
			Help:      "Services currently in the registry.",
		}),
		phase2Seconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lattice",
			Name:      "phase2_duration_seconds",
			Help:      "Per-module Phase 2 duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		shutdownTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lattice",
			Name:      "shutdown_hook_timeouts_total",
			Help:      "Graceful shutdown hooks abandoned at their deadline.",
		}),
	}
	m.registry.MustRegister(m.stateTransitions, m.registeredSvcs, m.phase2Seconds, m.shutdownTimeouts)
	return m
}

func (m *hostMetrics) transition(module string, state ModuleState) {
	m.stateTransitions.WithLabelValues(module, string(state)).Inc()
}
