package cache

import (
	"container/list"
	"sync"

	"github.com/codewandler/evstore/internal/shard"
)

const (
	defaultLRUSize   = 10_000
	defaultLRUShards = 32
)

type LRUOpts struct {
	// Size bounds the total number of entries (default 10000).
	Size int
	// Shards is the number of independently locked partitions (default 32).
	Shards int
}

type entry[V comparable] struct {
	key string
	val V
}

type lruShard[V comparable] struct {
	mu    sync.Mutex
	size  int
	ll    *list.List
	items map[string]*list.Element
}

// LRU is a bounded, sharded least-recently-used cache. Each shard has its
// own lock, so operations on keys of different shards never wait for each
// other.
type LRU[V comparable] struct {
	sharder shard.Sharder
	shards  []*lruShard[V]
}

func NewLRU[V comparable](opts LRUOpts) *LRU[V] {
	if opts.Size <= 0 {
		opts.Size = defaultLRUSize
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultLRUShards
	}
	if opts.Shards > opts.Size {
		opts.Shards = opts.Size
	}

	l := &LRU[V]{
		sharder: shard.Distributed(opts.Shards),
		shards:  make([]*lruShard[V], opts.Shards),
	}

	// spread the capacity, the first shards take the remainder
	per, rem := opts.Size/opts.Shards, opts.Size%opts.Shards
	for i := range l.shards {
		size := per
		if i < rem {
			size++
		}
		l.shards[i] = &lruShard[V]{
			size:  size,
			ll:    list.New(),
			items: make(map[string]*list.Element),
		}
	}
	return l
}

func (l *LRU[V]) shardFor(key string) *lruShard[V] {
	return l.shards[l.sharder.GetShardForKey(key)]
}

func (l *LRU[V]) Get(key string) (val V, ok bool) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	ele, ok := s.items[key]
	if !ok {
		return val, false
	}
	s.ll.MoveToFront(ele)
	return ele.Value.(*entry[V]).val, true
}

func (l *LRU[V]) CompareAndSet(key string, old, newVal V) bool {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	ele, ok := s.items[key]
	if !ok {
		if old != zero {
			return false
		}
		s.putLocked(key, newVal)
		return true
	}

	e := ele.Value.(*entry[V])
	if e.val != old {
		return false
	}
	e.val = newVal
	s.ll.MoveToFront(ele)
	return true
}

func (l *LRU[V]) Set(key string, val V) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, val)
}

func (l *LRU[V]) Delete(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ele, ok := s.items[key]; ok {
		s.ll.Remove(ele)
		delete(s.items, key)
	}
}

func (l *LRU[V]) Clear() {
	for _, s := range l.shards {
		s.mu.Lock()
		s.ll.Init()
		clear(s.items)
		s.mu.Unlock()
	}
}

func (l *LRU[V]) Len() (n int) {
	for _, s := range l.shards {
		s.mu.Lock()
		n += s.ll.Len()
		s.mu.Unlock()
	}
	return n
}

func (s *lruShard[V]) putLocked(key string, val V) {
	if ele, ok := s.items[key]; ok {
		ele.Value.(*entry[V]).val = val
		s.ll.MoveToFront(ele)
		return
	}

	s.items[key] = s.ll.PushFront(&entry[V]{key: key, val: val})
	if s.ll.Len() > s.size {
		if last := s.ll.Back(); last != nil {
			s.ll.Remove(last)
			delete(s.items, last.Value.(*entry[V]).key)
		}
	}
}

var _ VersionCache[uint64] = (*LRU[uint64])(nil)
