// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// If multiple goroutines call [Singleflight.Do] with the same key
// concurrently, only the first call executes the function; the others block
// until it completes and receive the same result.
//
// The event store uses it so that a burst of appends to a stream whose
// version is not cached triggers a single backend lookup.
//
// # Usage
//
//	versions := sf.New[es.Version]()
//
//	v, _, err := versions.Do("order-42", func() (es.Version, error) {
//	    return backend.CurrentVersion(ctx, "order-42")
//	})
package sf
