package es

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: whatever expected versions callers guess, the committed versions
// of a stream are exactly 1..head and every rejection reports the head.
func TestStore_ContiguousVersions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("committed versions have no gaps", prop.ForAll(
		func(batchSizes []int, guesses []int, clearCache []bool) bool {
			var (
				ctx   = context.Background()
				store = NewStore(NewInMemoryBackend(), WithCacheSize(16))
				head  Version
			)

			for i, size := range batchSizes {
				expected := head
				if i < len(guesses) {
					// guesses around the head, some of them stale or ahead
					if g := int(head) + guesses[i]; g >= 0 {
						expected = Version(g)
					}
				}
				if i < len(clearCache) && clearCache[i] {
					store.ClearCache()
				}

				res, err := store.Append(ctx, "s", expected, Events("E", size))
				if expected != head {
					conflict, ok := IsConflict(err)
					if !ok || conflict.Actual != head {
						return false
					}
					continue
				}
				if err != nil || res.Version != head+Version(size) {
					return false
				}
				head = res.Version
			}

			events, err := store.Read(ctx, "s")
			if err != nil || len(events) != int(head) {
				return false
			}
			for i, e := range events {
				if e.Version != Version(i+1) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 4)),
		gen.SliceOf(gen.IntRange(-2, 2)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
