package es

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore/core/cache"
)

// countingBackend delegates to an in-memory backend and counts calls.
type countingBackend struct {
	*InMemoryBackend
	appends  atomic.Int32
	lookups  atomic.Int32
	closed   atomic.Bool
	appendFn func(ctx context.Context, streamID string, expected Version, events []Event) (Version, error)
}

func newCountingBackend() *countingBackend {
	return &countingBackend{InMemoryBackend: NewInMemoryBackend()}
}

func (b *countingBackend) Append(ctx context.Context, streamID string, expected Version, events []Event) (Version, error) {
	b.appends.Add(1)
	if b.appendFn != nil {
		return b.appendFn(ctx, streamID, expected, events)
	}
	return b.InMemoryBackend.Append(ctx, streamID, expected, events)
}

func (b *countingBackend) CurrentVersion(ctx context.Context, streamID string) (Version, error) {
	b.lookups.Add(1)
	return b.InMemoryBackend.CurrentVersion(ctx, streamID)
}

func (b *countingBackend) Close() error {
	b.closed.Store(true)
	return nil
}

type recordingMetrics struct {
	nopMetrics
	mu             sync.Mutex
	fastConflicts  int
	slowConflicts  int
	indeterminate  int
	backendErrors  map[string]int
	eventsAppended int
	hits, misses   int
}

func (m *recordingMetrics) ConcurrencyConflict(fastPath bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fastPath {
		m.fastConflicts++
	} else {
		m.slowConflicts++
	}
}

func (m *recordingMetrics) Indeterminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indeterminate++
}

func (m *recordingMetrics) BackendError(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backendErrors == nil {
		m.backendErrors = map[string]int{}
	}
	m.backendErrors[op]++
}

func (m *recordingMetrics) EventsAppended(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsAppended += n
}

func (m *recordingMetrics) CacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *recordingMetrics) CacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func TestStore_Order42(t *testing.T) {
	var (
		ctx = t.Context()
		s   = StartTestStore(t)
	)

	created := NewEvent("OrderCreated", []byte(`{"customer":"c-1"}`))
	added := NewEvent("ItemAdded", []byte(`{"sku":"a-1"}`))
	s.Assert().Append(ctx, "order-42", NoStream, created, added)

	s.Assert().Conflict(ctx, "order-42", NoStream, 2, NewEvent("ItemAdded", []byte(`{}`)))

	removed := NewEvent("ItemRemoved", []byte(`{"sku":"a-1"}`))
	res := s.Assert().Append(ctx, "order-42", 2, removed)
	require.Equal(t, Version(3), res.Version)
	s.Assert().Version(ctx, "order-42", 3)

	events, err := s.Read(ctx, "order-42", WithFromVersion(2))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, added.ID, events[0].ID)
	require.Equal(t, Version(2), events[0].Version)
	require.Equal(t, removed.ID, events[1].ID)
	require.Equal(t, Version(3), events[1].Version)
}

func TestStore_FastPathConflict(t *testing.T) {
	var (
		ctx     = t.Context()
		backend = newCountingBackend()
		m       = &recordingMetrics{}
		s       = NewStore(backend, WithMetrics(m))
	)

	_, err := s.Append(ctx, "s", NoStream, Events("E", 2))
	require.NoError(t, err)
	require.Equal(t, int32(1), backend.appends.Load())

	_, err = s.Append(ctx, "s", 1, Events("E", 1))
	conflict, ok := IsConflict(err)
	require.True(t, ok)
	require.Equal(t, Version(1), conflict.Expected)
	require.Equal(t, Version(2), conflict.Actual)
	require.Equal(t, "s", conflict.StreamID)

	// rejected without a backend write
	require.Equal(t, int32(1), backend.appends.Load())
	require.Equal(t, 1, m.fastConflicts)
	require.Equal(t, 0, m.slowConflicts)
	require.Equal(t, 2, m.eventsAppended)
}

func TestStore_BackendConflictUpdatesCache(t *testing.T) {
	var (
		ctx      = t.Context()
		backend  = newCountingBackend()
		versions = cache.NewLRU[Version](cache.LRUOpts{Size: 10})
		m        = &recordingMetrics{}
		s        = NewStore(backend, WithVersionCache(versions), WithMetrics(m))
		other    = NewStore(backend)
	)

	_, err := s.Append(ctx, "s", NoStream, Events("E", 1))
	require.NoError(t, err)
	_, err = other.Append(ctx, "s", 1, Events("E", 2))
	require.NoError(t, err)

	_, err = s.Append(ctx, "s", 1, Events("E", 1))
	conflict, ok := IsConflict(err)
	require.True(t, ok)
	require.Equal(t, Version(3), conflict.Actual)
	require.Equal(t, 1, m.slowConflicts)

	v, ok := versions.Get("s")
	require.True(t, ok)
	require.Equal(t, Version(3), v)
}

func TestStore_StaleCacheRefresh(t *testing.T) {
	var (
		ctx      = t.Context()
		backend  = newCountingBackend()
		versions = cache.NewLRU[Version](cache.LRUOpts{Size: 10})
		s        = NewStore(backend, WithVersionCache(versions))
	)

	_, err := NewStore(backend).Append(ctx, "s", NoStream, Events("E", 2))
	require.NoError(t, err)

	// the cache lags behind the backend
	versions.Set("s", 1)
	res, err := s.Append(ctx, "s", 2, Events("E", 1))
	require.NoError(t, err)
	require.Equal(t, Version(3), res.Version)

	v, _ := versions.Get("s")
	require.Equal(t, Version(3), v)

	// a caller ahead of the backend is still rejected
	_, err = s.Append(ctx, "s", 7, Events("E", 1))
	conflict, ok := IsConflict(err)
	require.True(t, ok)
	require.Equal(t, Version(3), conflict.Actual)
}

func TestStore_CacheClearKeepsDecisions(t *testing.T) {
	var (
		ctx     = t.Context()
		backend = newCountingBackend()
		s       = NewStore(backend)
	)

	_, err := s.Append(ctx, "s", NoStream, Events("E", 2))
	require.NoError(t, err)
	lookups := backend.lookups.Load()

	s.ClearCache()

	_, err = s.Append(ctx, "s", 1, Events("E", 1))
	conflict, ok := IsConflict(err)
	require.True(t, ok)
	require.Equal(t, Version(2), conflict.Actual)
	require.Equal(t, lookups+1, backend.lookups.Load(), "clear costs one lookup")

	s.InvalidateCache("s")
	res, err := s.Append(ctx, "s", 2, Events("E", 1))
	require.NoError(t, err)
	require.Equal(t, Version(3), res.Version)
	require.Equal(t, lookups+2, backend.lookups.Load())
}

func TestStore_WithoutCache(t *testing.T) {
	var (
		ctx     = t.Context()
		backend = newCountingBackend()
		s       = NewStore(backend, WithCacheSize(0))
	)

	s2 := NewStore(backend, WithCacheSize(0))
	_, err := s.Append(ctx, "s", NoStream, Events("E", 1))
	require.NoError(t, err)
	_, err = s2.Append(ctx, "s", 1, Events("E", 1))
	require.NoError(t, err)
	_, err = s.Append(ctx, "s", 1, Events("E", 1))
	_, ok := IsConflict(err)
	require.True(t, ok)
	require.Equal(t, int32(3), backend.lookups.Load())
}

func TestStore_Indeterminate(t *testing.T) {
	var (
		backend  = newCountingBackend()
		versions = cache.NewLRU[Version](cache.LRUOpts{Size: 10})
		m        = &recordingMetrics{}
		s        = NewStore(backend, WithVersionCache(versions), WithMetrics(m))
	)

	_, err := s.Append(t.Context(), "s", NoStream, Events("E", 1))
	require.NoError(t, err)

	backend.appendFn = func(ctx context.Context, _ string, _ Version, _ []Event) (Version, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Append(ctx, "s", 1, Events("E", 1))
	require.ErrorIs(t, err, ErrIndeterminate)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrConcurrencyConflict)

	var ie *IndeterminateError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, "s", ie.StreamID)
	require.Equal(t, Version(1), ie.Expected)
	require.Equal(t, 1, m.indeterminate)

	_, ok := versions.Get("s")
	require.False(t, ok, "unknown outcome must not stay cached")
}

func TestStore_IndeterminateFromBackend(t *testing.T) {
	backend := newCountingBackend()
	backend.appendFn = func(context.Context, string, Version, []Event) (Version, error) {
		return 0, errors.Join(ErrIndeterminate, errors.New("publish ack timeout"))
	}
	s := NewStore(backend)

	_, err := s.Append(t.Context(), "s", NoStream, Events("E", 1))
	require.ErrorIs(t, err, ErrIndeterminate)
	var ie *IndeterminateError
	require.ErrorAs(t, err, &ie)
}

func TestStore_BackendUnavailable(t *testing.T) {
	var (
		backend  = newCountingBackend()
		versions = cache.NewLRU[Version](cache.LRUOpts{Size: 10})
		m        = &recordingMetrics{}
		s        = NewStore(backend, WithVersionCache(versions), WithMetrics(m))
		ioErr    = errors.New("connection reset")
	)

	backend.appendFn = func(context.Context, string, Version, []Event) (Version, error) {
		return 0, ioErr
	}

	_, err := s.Append(t.Context(), "s", NoStream, Events("E", 1))
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.ErrorIs(t, err, ioErr)
	require.Equal(t, 1, m.backendErrors["append"])

	// nothing was written, the cached version stays valid
	v, ok := versions.Get("s")
	require.True(t, ok)
	require.Equal(t, NoStream, v)
}

func TestStore_LookupFailure(t *testing.T) {
	ioErr := errors.New("dial tcp: refused")
	s := NewStore(BackendFunc{
		CurrentVersionFunc: func(context.Context, string) (Version, error) { return 0, ioErr },
		AppendFunc: func(context.Context, string, Version, []Event) (Version, error) {
			t.Fatal("append must not be called")
			return 0, nil
		},
		ReadFunc: func(context.Context, string, Version) ([]Event, error) { return nil, ioErr },
	})

	_, err := s.Append(t.Context(), "s", NoStream, Events("E", 1))
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.ErrorIs(t, err, ioErr)

	_, err = s.CurrentVersion(t.Context(), "s")
	require.ErrorIs(t, err, ErrBackendUnavailable)

	_, err = s.Read(t.Context(), "s")
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestStore_InvalidArguments(t *testing.T) {
	var (
		ctx     = t.Context()
		backend = newCountingBackend()
		s       = NewStore(backend)
	)

	tests := []struct {
		name     string
		streamID string
		events   []Event
	}{
		{name: "empty stream id", streamID: "", events: Events("E", 1)},
		{name: "stream id too long", streamID: strings.Repeat("x", MaxStreamIDLength+1), events: Events("E", 1)},
		{name: "control characters", streamID: "order\n42", events: Events("E", 1)},
		{name: "invalid utf-8", streamID: "order-\xff", events: Events("E", 1)},
		{name: "empty batch", streamID: "s", events: nil},
		{name: "empty event type", streamID: "s", events: []Event{{ID: "e-1", Payload: []byte(`{}`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.streamID, NoStream, tt.events)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	require.Equal(t, int32(0), backend.appends.Load())

	_, err := s.Read(ctx, "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Read(ctx, "s", WithLimit(-1))
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.CurrentVersion(ctx, "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStore_AssignsFields(t *testing.T) {
	var (
		ctx   = t.Context()
		now   = time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
		ids   atomic.Int32
		store = NewStore(
			NewInMemoryBackend(),
			WithClock(func() time.Time { return now }),
			WithIDGenerator(func() string {
				return "evt-" + Version(ids.Add(1)).String()
			}),
			WithCommitIDGenerator(func() string { return "commit-1" }),
		)
	)

	res, err := store.Append(ctx, "s", NoStream, []Event{
		{Type: "A", Payload: []byte(`1`)},
		{ID: "given", Type: "B", Payload: []byte(`2`), Metadata: map[string]string{"k": "v"}},
	})
	require.NoError(t, err)
	require.Equal(t, "s", res.StreamID)
	require.Equal(t, Version(2), res.Version)
	require.Equal(t, "commit-1", res.CommitID)
	require.Len(t, res.Events, 2)

	require.Equal(t, "evt-1", res.Events[0].ID)
	require.Equal(t, "given", res.Events[1].ID)
	for i, e := range res.Events {
		require.Equal(t, "s", e.StreamID)
		require.Equal(t, Version(i+1), e.Version)
		require.Equal(t, "commit-1", e.CommitID)
		require.Equal(t, now, e.RecordedAt)
	}

	events, err := store.Read(ctx, "s")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, res.Events[1].Equal(events[1]))
	require.Equal(t, "v", events[1].Metadata["k"])
}

func TestStore_ReadOptions(t *testing.T) {
	var (
		ctx = t.Context()
		s   = StartTestStore(t)
	)
	s.Assert().Append(ctx, "s", NoStream, Events("E", 5)...)

	all, err := s.Read(ctx, "s", WithFromVersion(0))
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, Version(1), all[0].Version)

	limited, err := s.Read(ctx, "s", WithFromVersion(2), WithLimit(2))
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, Version(2), limited[0].Version)
	require.Equal(t, Version(3), limited[1].Version)

	ranged, err := s.Read(ctx, "s", WithFromVersion(2), WithToVersion(4))
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	require.Equal(t, Version(2), ranged[0].Version)
	require.Equal(t, Version(4), ranged[2].Version)

	beyond, err := s.Read(ctx, "s", WithToVersion(9))
	require.NoError(t, err)
	require.Len(t, beyond, 5)

	_, err = s.Read(ctx, "s", WithFromVersion(4), WithToVersion(3))
	require.ErrorIs(t, err, ErrInvalidArgument)

	missing, err := s.Read(ctx, "unknown")
	require.NoError(t, err)
	require.NotNil(t, missing)
	require.Empty(t, missing)
}

func TestStore_SingleFlightLookups(t *testing.T) {
	var (
		lookups atomic.Int32
		release = make(chan struct{})
		mem     = NewInMemoryBackend()
	)
	s := NewStore(BackendFunc{
		AppendFunc: mem.Append,
		ReadFunc:   mem.Read,
		CurrentVersionFunc: func(ctx context.Context, streamID string) (Version, error) {
			lookups.Add(1)
			<-release
			return mem.CurrentVersion(ctx, streamID)
		},
	})

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.CurrentVersion(t.Context(), "s")
			assert.NoError(t, err)
			assert.Equal(t, NoStream, v)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), lookups.Load())
}

func TestStore_ConcurrentSameProcess(t *testing.T) {
	var (
		ctx = t.Context()
		s   = StartTestStore(t)
	)
	s.Assert().Append(ctx, "s", NoStream, Events("E", 1)...)

	const writers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "s", 1, Events("E", 1))
			if err == nil {
				successes.Add(1)
				return
			}
			if conflict, ok := IsConflict(err); assert.True(t, ok) {
				assert.Equal(t, Version(2), conflict.Actual)
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), successes.Load())
	require.Equal(t, int32(writers-1), conflicts.Load())
	s.Assert().Version(ctx, "s", 2)
}

func TestStore_CacheCounters(t *testing.T) {
	var (
		ctx = t.Context()
		m   = &recordingMetrics{}
		s   = NewStore(NewInMemoryBackend(), WithMetrics(m))
	)

	_, err := s.Append(ctx, "s", NoStream, Events("E", 1))
	require.NoError(t, err)
	_, err = s.Append(ctx, "s", 1, Events("E", 1))
	require.NoError(t, err)

	require.Equal(t, 1, m.misses)
	require.Equal(t, 1, m.hits)
}

func TestStore_Close(t *testing.T) {
	backend := newCountingBackend()
	require.NoError(t, NewStore(backend).Close())
	require.True(t, backend.closed.Load())

	// backends without resources
	require.NoError(t, NewStore(NewInMemoryBackend()).Close())
}

type orderCreated struct {
	Customer string `json:"customer"`
}

type itemAdded struct {
	SKU string `json:"sku"`
}

func (itemAdded) EventType() string { return "ItemAdded" }

func TestAppendJSON(t *testing.T) {
	var (
		ctx = t.Context()
		s   = StartTestStore(t)
	)

	res, err := AppendJSON(ctx, s.Store, "order-1", NoStream, orderCreated{Customer: "c-1"}, itemAdded{SKU: "a-1"})
	require.NoError(t, err)
	require.Equal(t, Version(2), res.Version)
	require.Equal(t, "es.orderCreated", res.Events[0].Type)
	require.Equal(t, "ItemAdded", res.Events[1].Type)
	require.JSONEq(t, `{"customer":"c-1"}`, string(res.Events[0].Payload))

	_, err = AppendJSON(ctx, s.Store, "order-1", 2, func() {})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStore_InvalidEventBeforeVersionCheck(t *testing.T) {
	var (
		ctx     = t.Context()
		backend = newCountingBackend()
		s       = NewStore(backend)
	)
	_, err := s.Append(ctx, "s", NoStream, Events("E", 2))
	require.NoError(t, err)

	// stale expected version and an invalid event: the event wins
	_, err = s.Append(ctx, "s", NoStream, []Event{{ID: "e-1", Payload: []byte(`{}`)}})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.NotErrorIs(t, err, ErrConcurrencyConflict)
	require.Equal(t, int32(1), backend.appends.Load())
}

func TestStore_LookupSurvivesCancelledCaller(t *testing.T) {
	var (
		lookups atomic.Int32
		started = make(chan struct{})
		release = make(chan struct{})
		mem     = NewInMemoryBackend()
	)
	_, err := mem.Append(t.Context(), "s", NoStream, []Event{
		{ID: "e-1", StreamID: "s", Version: 1, Type: "E"},
	})
	require.NoError(t, err)

	s := NewStore(BackendFunc{
		AppendFunc: mem.Append,
		ReadFunc:   mem.Read,
		CurrentVersionFunc: func(ctx context.Context, streamID string) (Version, error) {
			lookups.Add(1)
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return mem.CurrentVersion(ctx, streamID)
		},
	})

	leaderCtx, cancelLeader := context.WithCancel(t.Context())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := s.CurrentVersion(leaderCtx, "s")
		leaderErr <- err
	}()
	<-started

	type result struct {
		v   Version
		err error
	}
	follower := make(chan result, 1)
	go func() {
		v, err := s.CurrentVersion(context.Background(), "s")
		follower <- result{v, err}
	}()

	// let the follower join the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	res := <-follower
	require.NoError(t, res.err)
	require.Equal(t, Version(1), res.v)
	require.Equal(t, int32(1), lookups.Load())
}
