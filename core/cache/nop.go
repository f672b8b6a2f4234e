package cache

// Nop is a VersionCache that never stores anything. Every lookup misses.
type Nop[V comparable] struct{}

func NewNop[V comparable]() Nop[V] { return Nop[V]{} }

func (Nop[V]) Get(string) (val V, ok bool)     { return val, false }
func (Nop[V]) CompareAndSet(string, V, V) bool { return false }
func (Nop[V]) Set(string, V)                   {}
func (Nop[V]) Delete(string)                   {}
func (Nop[V]) Clear()                          {}
func (Nop[V]) Len() int                        { return 0 }

var _ VersionCache[uint64] = Nop[uint64]{}
