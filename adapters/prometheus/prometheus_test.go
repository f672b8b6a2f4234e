package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore/core/es"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg, "memory")

	require.NotNil(t, m)

	timer := m.AppendDuration()
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.ReadDuration()
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended(5)
	m.ConcurrencyConflict(true)
	m.ConcurrencyConflict(false)
	m.Indeterminate()
	m.BackendError("append")
	m.CacheHit()
	m.CacheMiss()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	assert.True(t, names["evstore_append_duration_seconds"])
	assert.True(t, names["evstore_read_duration_seconds"])
	assert.True(t, names["evstore_concurrency_conflicts_total"])
	assert.True(t, names["evstore_version_cache_hits_total"])
	assert.True(t, names["evstore_backend_errors_total"])

	em := m.(*esMetrics)
	assert.Equal(t, float64(5), testutil.ToFloat64(em.eventsAppended))
	assert.Equal(t, float64(1), testutil.ToFloat64(em.conflicts.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(em.backendErrors.WithLabelValues("append")))
}

func TestESMetrics_Store(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg, "memory").(*esMetrics)
	store := es.NewStore(es.NewInMemoryBackend(), es.WithMetrics(m))

	_, err := store.Append(t.Context(), "order-42", es.NoStream, es.Events("Created", 2))
	require.NoError(t, err)
	_, err = store.Append(t.Context(), "order-42", es.NoStream, es.Events("Created", 1))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.eventsAppended))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.conflicts.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheHits))
}

func TestNewESMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewESMetrics(reg, "memory")

	assert.Panics(t, func() {
		NewESMetrics(reg, "memory")
	})
}
