package shard

import "hash/fnv"

// ForKey maps key onto one of shardCount shards.
func ForKey(key string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shardCount))
}

type Func func(key string) int

type Sharder interface {
	GetShardForKey(key string) int
	Count() int
}

type fnSharder struct {
	fn    Func
	count int
}

func (s *fnSharder) GetShardForKey(key string) int { return s.fn(key) }
func (s *fnSharder) Count() int                    { return s.count }

// Distributed spreads keys over count shards by fnv hash.
func Distributed(count int) Sharder {
	if count < 1 {
		count = 1
	}
	return &fnSharder{
		count: count,
		fn: func(key string) int {
			return ForKey(key, count)
		},
	}
}

// Const puts every key onto a single shard.
func Const() Sharder {
	return &fnSharder{count: 1, fn: func(string) int { return 0 }}
}
