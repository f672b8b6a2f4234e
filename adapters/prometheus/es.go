package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/core/metrics"
)

// esMetrics implements es.Metrics using Prometheus.
type esMetrics struct {
	appendDuration prometheus.Histogram
	readDuration   prometheus.Histogram
	eventsAppended prometheus.Counter

	conflicts     *prometheus.CounterVec
	indeterminate prometheus.Counter
	backendErrors *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewESMetrics creates a new Prometheus implementation of es.Metrics and
// registers its collectors with reg. backend is attached as a constant label.
func NewESMetrics(reg prometheus.Registerer, backend string) es.Metrics {
	constLabels := prometheus.Labels{"backend": backend}

	m := &esMetrics{
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "evstore_append_duration_seconds",
			Help:        "Append latency in seconds",
			Buckets:     defaultBuckets,
			ConstLabels: constLabels,
		}),

		readDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "evstore_read_duration_seconds",
			Help:        "Read latency in seconds",
			Buckets:     defaultBuckets,
			ConstLabels: constLabels,
		}),

		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evstore_events_appended_total",
			Help:        "Total number of events appended",
			ConstLabels: constLabels,
		}),

		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "evstore_concurrency_conflicts_total",
			Help:        "Total number of rejected appends, by whether the cache rejected them before the write",
			ConstLabels: constLabels,
		}, []string{"fast_path"}),

		indeterminate: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evstore_indeterminate_appends_total",
			Help:        "Total number of appends with unknown outcome",
			ConstLabels: constLabels,
		}),

		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "evstore_backend_errors_total",
			Help:        "Total number of failed backend calls",
			ConstLabels: constLabels,
		}, []string{"op"}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evstore_version_cache_hits_total",
			Help:        "Total number of version cache hits",
			ConstLabels: constLabels,
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evstore_version_cache_misses_total",
			Help:        "Total number of version cache misses",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.readDuration,
		m.eventsAppended,
		m.conflicts,
		m.indeterminate,
		m.backendErrors,
		m.cacheHits,
		m.cacheMisses,
	)

	return m
}

func (m *esMetrics) AppendDuration() metrics.Timer {
	return newTimer(m.appendDuration)
}

func (m *esMetrics) ReadDuration() metrics.Timer {
	return newTimer(m.readDuration)
}

func (m *esMetrics) EventsAppended(count int) {
	m.eventsAppended.Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(fastPath bool) {
	m.conflicts.WithLabelValues(strconv.FormatBool(fastPath)).Inc()
}

func (m *esMetrics) Indeterminate()         { m.indeterminate.Inc() }
func (m *esMetrics) BackendError(op string) { m.backendErrors.WithLabelValues(op).Inc() }
func (m *esMetrics) CacheHit()              { m.cacheHits.Inc() }
func (m *esMetrics) CacheMiss()             { m.cacheMisses.Inc() }

var _ es.Metrics = (*esMetrics)(nil)
