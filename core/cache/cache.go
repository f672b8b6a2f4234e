package cache

// VersionCache maps stream identifiers to their last known version.
//
// All operations are atomic per key. A missing entry is equivalent to the
// zero value for the purpose of CompareAndSet.
type VersionCache[V comparable] interface {
	// Get returns the cached value for key.
	Get(key string) (V, bool)
	// CompareAndSet stores newVal if the cached value equals old (or the
	// entry is absent and old is the zero value) and reports whether it did.
	CompareAndSet(key string, old, newVal V) bool
	// Set stores val unconditionally.
	Set(key string, val V)
	// Delete removes key.
	Delete(key string)
	// Clear removes all entries.
	Clear()
	// Len returns the number of cached entries.
	Len() int
}
