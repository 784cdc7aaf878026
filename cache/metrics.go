package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports the cache counters to Prometheus.
type Metrics struct {
	lookups         *prometheus.CounterVec
	computes        prometheus.Counter
	failures        prometheus.Counter
	evictions       prometheus.Counter
	computeDuration prometheus.Histogram
}

const metricsNamespace = "daedra"

// NewMetrics creates the cache collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Number of cache lookups by outcome: hit, miss or shared (waited on another caller's computation).",
			},
			[]string{"result"},
		),
		computes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "computes_total",
			Help:      "Number of computations started on a cache miss.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "compute_failures_total",
			Help:      "Number of computations that returned an error. Failures are never cached.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Number of live entries evicted to make room.",
		}),
		computeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "compute_duration_seconds",
			Help:      "Duration of cache computations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (m *Metrics) observeLookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) observeCompute(seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.computes.Inc()
	m.computeDuration.Observe(seconds)
	if failed {
		m.failures.Inc()
	}
}

func (m *Metrics) observeEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
