// Package metrics provides abstract metrics interfaces that allow pluggable
// instrumentation backends without coupling the core packages to any
// specific implementation.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	// ObserveDuration records the elapsed time since the timer was created.
	ObserveDuration()
}
