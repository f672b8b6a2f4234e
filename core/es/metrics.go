package es

import "github.com/codewandler/evstore/core/metrics"

// Metrics defines the instrumentation points of the [Store].
// Implementations must be safe for concurrent use.
type Metrics interface {
	AppendDuration() metrics.Timer
	ReadDuration() metrics.Timer
	EventsAppended(count int)

	// ConcurrencyConflict counts rejected appends. fastPath is true when the
	// append was rejected before the backend write was attempted.
	ConcurrencyConflict(fastPath bool)
	Indeterminate()
	BackendError(op string)

	CacheHit()
	CacheMiss()
}

type nopMetrics struct{}

func (nopMetrics) AppendDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) ReadDuration() metrics.Timer   { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(int)            {}

func (nopMetrics) ConcurrencyConflict(bool) {}
func (nopMetrics) Indeterminate()           {}
func (nopMetrics) BackendError(string)      {}

func (nopMetrics) CacheHit()  {}
func (nopMetrics) CacheMiss() {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }
