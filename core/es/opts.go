package es

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codewandler/evstore/core/cache"
)

// DefaultCacheSize is the capacity of the version cache created by [NewStore].
const DefaultCacheSize = 10_000

// DefaultLookupTimeout bounds a shared version lookup against the backend.
const DefaultLookupTimeout = 10 * time.Second

// DefaultCommitIDGenerator returns the default commit ID generator using
// random UUIDs.
func DefaultCommitIDGenerator() IDGenerator {
	return func() string { return uuid.NewString() }
}

type (
	valueOption[T any] struct{ v T }

	storeOptions struct {
		log           *slog.Logger
		metrics       Metrics
		versions      cache.VersionCache[Version]
		clock         func() time.Time
		idGen         IDGenerator
		commitIDGen   IDGenerator
		lookupTimeout time.Duration
	}

	readOptions struct {
		from  Version
		to    Version
		limit int
	}
)

type (
	StoreOption interface{ applyToStore(*storeOptions) }
	ReadOption  interface{ applyToRead(*readOptions) }
)

type (
	LogOption               valueOption[*slog.Logger]
	MetricsOption           valueOption[Metrics]
	VersionCacheOption      valueOption[cache.VersionCache[Version]]
	ClockOption             valueOption[func() time.Time]
	IDGeneratorOption       valueOption[IDGenerator]
	CommitIDGeneratorOption valueOption[IDGenerator]
	LookupTimeoutOption     valueOption[time.Duration]
	fromVersionReadOption   valueOption[Version]
	toVersionReadOption     valueOption[Version]
	limitReadOption         valueOption[int]
)

// WithLog sets the logger. Defaults to slog.Default().
func WithLog(l *slog.Logger) LogOption { return LogOption{v: l} }

// WithMetrics sets the metrics implementation. Defaults to [NopMetrics].
func WithMetrics(m Metrics) MetricsOption { return MetricsOption{v: m} }

// WithVersionCache replaces the version cache.
func WithVersionCache(c cache.VersionCache[Version]) VersionCacheOption {
	return VersionCacheOption{v: c}
}

// WithCacheSize sizes the default LRU version cache. A size <= 0 disables
// version caching.
func WithCacheSize(size int) VersionCacheOption {
	if size <= 0 {
		return WithVersionCache(cache.NewNop[Version]())
	}
	return WithVersionCache(cache.NewLRU[Version](cache.LRUOpts{Size: size}))
}

// WithClock sets the time source used for RecordedAt.
func WithClock(clock func() time.Time) ClockOption { return ClockOption{v: clock} }

// WithIDGenerator sets the generator for events appended without an ID.
func WithIDGenerator(gen IDGenerator) IDGeneratorOption { return IDGeneratorOption{v: gen} }

// WithCommitIDGenerator sets the generator for batch commit IDs.
func WithCommitIDGenerator(gen IDGenerator) CommitIDGeneratorOption {
	return CommitIDGeneratorOption{v: gen}
}

// WithLookupTimeout bounds version lookups. A lookup is shared by all
// callers of a stream and runs detached from their contexts. 0 disables the
// bound.
func WithLookupTimeout(d time.Duration) LookupTimeoutOption { return LookupTimeoutOption{v: d} }

// WithFromVersion makes a read start at version v (inclusive). 0 is treated as 1.
func WithFromVersion(v Version) ReadOption { return fromVersionReadOption{v: v} }

// WithToVersion ends a read at version v (inclusive). 0 reads to the head.
func WithToVersion(v Version) ReadOption { return toVersionReadOption{v: v} }

// WithLimit caps the number of events returned by a read.
func WithLimit(n int) ReadOption { return limitReadOption{v: n} }

func (o LogOption) applyToStore(s *storeOptions)               { s.log = o.v }
func (o MetricsOption) applyToStore(s *storeOptions)           { s.metrics = o.v }
func (o VersionCacheOption) applyToStore(s *storeOptions)      { s.versions = o.v }
func (o ClockOption) applyToStore(s *storeOptions)             { s.clock = o.v }
func (o IDGeneratorOption) applyToStore(s *storeOptions)       { s.idGen = o.v }
func (o CommitIDGeneratorOption) applyToStore(s *storeOptions) { s.commitIDGen = o.v }
func (o LookupTimeoutOption) applyToStore(s *storeOptions)     { s.lookupTimeout = o.v }

func (o fromVersionReadOption) applyToRead(r *readOptions) { r.from = o.v }
func (o toVersionReadOption) applyToRead(r *readOptions)   { r.to = o.v }
func (o limitReadOption) applyToRead(r *readOptions)       { r.limit = o.v }
