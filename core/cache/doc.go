// Package cache provides the version cache used by the event store to answer
// optimistic concurrency checks without a backend round trip.
//
// [VersionCache] maps a stream id to the last version known to the process.
// It is purely an optimization: the backend's conditional write remains the
// arbiter between racing writers, so losing entries is never a correctness
// problem, it only costs an extra backend lookup.
//
// # Implementations
//
// [LRU] is a bounded cache partitioned into independently locked shards.
// Keys are assigned to shards by hash, so contention on one key never blocks
// operations on keys in other shards.
//
//	versions := cache.NewLRU[es.Version](cache.LRUOpts{Size: 10_000, Shards: 32})
//
//	versions.Set("order-42", 2)
//	if versions.CompareAndSet("order-42", 2, 3) {
//	    // advanced from 2 to 3
//	}
//
// [Nop] disables caching entirely.
package cache
