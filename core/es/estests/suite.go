// Package estests holds the behavioural test suite every es.Backend has to
// pass. Adapter packages run it against their backend from their own tests.
package estests

import (
	"context"
	"sync"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore/core/es"
)

// BackendFactory returns the backend under test. It is called once per
// suite run; streams of different cases never collide.
type BackendFactory func(t *testing.T) es.Backend

// RunBackendSuite runs the conformance suite against the backend returned
// by newBackend.
func RunBackendSuite(t *testing.T, newBackend BackendFactory) {
	backend := newBackend(t)

	newStream := func(prefix string) string {
		return prefix + "-" + gonanoid.Must(10)
	}

	t.Run("empty stream", func(t *testing.T) {
		id := newStream("empty")

		v, err := backend.CurrentVersion(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, es.NoStream, v)

		events, err := backend.Read(t.Context(), id, 1)
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("conflict then retry", func(t *testing.T) {
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			id    = newStream("order-42")
		)

		res, err := store.Append(ctx, id, es.NoStream, es.Events("OrderCreated", 2))
		require.NoError(t, err)
		require.Equal(t, es.Version(2), res.Version)

		_, err = store.Append(ctx, id, es.NoStream, es.Events("ItemAdded", 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
		conflict, ok := es.IsConflict(err)
		require.True(t, ok)
		require.Equal(t, es.Version(0), conflict.Expected)
		require.Equal(t, es.Version(2), conflict.Actual)

		third := es.NewEvent("ItemAdded", []byte(`{"sku":"a-1"}`))
		res, err = store.Append(ctx, id, 2, []es.Event{third})
		require.NoError(t, err)
		require.Equal(t, es.Version(3), res.Version)

		t.Run("read from version", func(t *testing.T) {
			events, err := store.Read(ctx, id, es.WithFromVersion(2))
			require.NoError(t, err)
			require.Len(t, events, 2)
			require.Equal(t, es.Version(2), events[0].Version)
			require.Equal(t, es.Version(3), events[1].Version)
			require.Equal(t, third.ID, events[1].ID)
		})
	})

	t.Run("backend reports actual version", func(t *testing.T) {
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			id    = newStream("direct")
		)
		_, err := store.Append(ctx, id, es.NoStream, es.Events("Created", 3))
		require.NoError(t, err)

		// bypass the store so the backend has to detect the conflict itself
		batch := es.Events("Late", 1)
		batch[0].StreamID = id
		batch[0].Version = 2
		_, err = backend.Append(ctx, id, 1, batch)
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
		conflict, ok := es.IsConflict(err)
		require.True(t, ok)
		require.Equal(t, es.Version(3), conflict.Actual)

		v, err := backend.CurrentVersion(ctx, id)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), v)
	})

	t.Run("sequential appends are contiguous", func(t *testing.T) {
		var (
			ctx      = t.Context()
			store    = es.NewStore(backend)
			id       = newStream("seq")
			expected = es.NoStream
			appended []es.Event
		)
		for i := 1; i <= 5; i++ {
			res, err := store.Append(ctx, id, expected, es.Events("Step", i))
			require.NoError(t, err)
			require.Equal(t, expected+es.Version(i), res.Version)
			expected = res.Version
			appended = append(appended, res.Events...)
		}

		events, err := store.Read(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, int(expected))
		for i, e := range events {
			require.Equal(t, es.Version(i+1), e.Version)
			require.True(t, appended[i].Equal(e), "event %d differs: %+v != %+v", i, appended[i], e)
		}
	})

	t.Run("batch shares commit", func(t *testing.T) {
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			id    = newStream("commit")
		)
		batch := es.Events("Created", 3)
		batch[1].Metadata = map[string]string{"user": "u-1"}

		res, err := store.Append(ctx, id, es.NoStream, batch)
		require.NoError(t, err)
		require.NotEmpty(t, res.CommitID)

		events, err := store.Read(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			require.Equal(t, id, e.StreamID)
			require.Equal(t, res.CommitID, e.CommitID)
			require.Equal(t, batch[i].ID, e.ID)
			require.Equal(t, batch[i].Type, e.Type)
			require.JSONEq(t, string(batch[i].Payload), string(e.Payload))
			require.True(t, res.Events[i].RecordedAt.Equal(e.RecordedAt))
		}
		require.Equal(t, "u-1", events[1].Metadata["user"])
	})

	t.Run("read beyond head", func(t *testing.T) {
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			id    = newStream("beyond")
		)
		_, err := store.Append(ctx, id, es.NoStream, es.Events("Created", 2))
		require.NoError(t, err)

		events, err := store.Read(ctx, id, es.WithFromVersion(3))
		require.NoError(t, err)
		require.NotNil(t, events)
		require.Empty(t, events)
	})

	t.Run("reads are idempotent", func(t *testing.T) {
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			id    = newStream("idem")
		)
		_, err := store.Append(ctx, id, es.NoStream, es.Events("Created", 4))
		require.NoError(t, err)

		first, err := store.Read(ctx, id, es.WithFromVersion(2))
		require.NoError(t, err)
		second, err := store.Read(ctx, id, es.WithFromVersion(2))
		require.NoError(t, err)
		require.Len(t, second, len(first))
		for i := range first {
			require.True(t, first[i].Equal(second[i]))
		}
	})

	t.Run("streams are isolated", func(t *testing.T) {
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			a     = newStream("iso-a")
			b     = newStream("iso-b")
		)
		_, err := store.Append(ctx, a, es.NoStream, es.Events("A", 2))
		require.NoError(t, err)
		_, err = store.Append(ctx, b, es.NoStream, es.Events("B", 1))
		require.NoError(t, err)

		va, err := backend.CurrentVersion(ctx, a)
		require.NoError(t, err)
		vb, err := backend.CurrentVersion(ctx, b)
		require.NoError(t, err)
		require.Equal(t, es.Version(2), va)
		require.Equal(t, es.Version(1), vb)
	})

	t.Run("stale cache of other process", func(t *testing.T) {
		var (
			ctx = t.Context()
			a   = es.NewStore(backend)
			b   = es.NewStore(backend)
			id  = newStream("stale")
		)
		_, err := a.Append(ctx, id, es.NoStream, es.Events("Created", 1))
		require.NoError(t, err)
		_, err = b.Append(ctx, id, 1, es.Events("Changed", 1))
		require.NoError(t, err)

		// a still caches version 1
		_, err = a.Append(ctx, id, 1, es.Events("Changed", 1))
		conflict, ok := es.IsConflict(err)
		require.True(t, ok)
		require.Equal(t, es.Version(2), conflict.Actual)

		res, err := a.Append(ctx, id, 2, es.Events("Changed", 1))
		require.NoError(t, err)
		require.Equal(t, es.Version(3), res.Version)

		// b caches version 2 and is behind the caller's expectation
		res, err = b.Append(ctx, id, 3, es.Events("Changed", 1))
		require.NoError(t, err)
		require.Equal(t, es.Version(4), res.Version)
	})

	t.Run("concurrent appends have a single winner", func(t *testing.T) {
		runConcurrentAppends(t, backend, newStream("race"))
	})

	t.Run("read commit", func(t *testing.T) {
		if _, ok := backend.(es.CommitReader); !ok {
			t.Skip("backend does not look up commits")
		}
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			id    = newStream("lookup")
		)
		_, err := store.Append(ctx, id, es.NoStream, es.Events("Created", 1))
		require.NoError(t, err)
		res, err := store.Append(ctx, id, 1, es.Events("Changed", 2))
		require.NoError(t, err)

		c, err := store.ReadCommit(ctx, res.CommitID)
		require.NoError(t, err)
		require.Equal(t, id, c.StreamID)
		require.Equal(t, res.CommitID, c.CommitID)
		require.Equal(t, es.Version(3), c.Version)
		require.Len(t, c.Events, 2)
		require.Equal(t, es.Version(2), c.Events[0].Version)
		require.Equal(t, res.Events[1].ID, c.Events[1].ID)

		_, err = store.ReadCommit(ctx, "missing-"+gonanoid.Must(10))
		require.ErrorIs(t, err, es.ErrCommitNotFound)
	})

	t.Run("dispatch commits", func(t *testing.T) {
		if _, ok := backend.(es.CommitDispatcher); !ok {
			t.Skip("backend does not track dispatch")
		}
		var (
			ctx   = t.Context()
			store = es.NewStore(backend)
			id    = newStream("dispatch")
		)
		// drain commits of earlier cases
		_, err := store.Dispatch(ctx, 0, func(context.Context, es.Commit) error { return nil })
		require.NoError(t, err)

		first, err := store.Append(ctx, id, es.NoStream, es.Events("Created", 2))
		require.NoError(t, err)
		second, err := store.Append(ctx, id, 2, es.Events("Changed", 1))
		require.NoError(t, err)

		pending, err := store.UndispatchedCommits(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, first.CommitID, pending[0].CommitID)
		require.Equal(t, second.CommitID, pending[1].CommitID)
		require.Len(t, pending[0].Events, 2)
		require.False(t, pending[0].Dispatched)

		limited, err := store.UndispatchedCommits(ctx, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		require.Equal(t, first.CommitID, limited[0].CommitID)

		var delivered []string
		n, err := store.Dispatch(ctx, 0, func(_ context.Context, c es.Commit) error {
			delivered = append(delivered, c.CommitID)
			if c.CommitID == second.CommitID {
				return assert.AnError
			}
			return nil
		})
		require.ErrorIs(t, err, assert.AnError)
		require.Equal(t, 1, n)
		require.Equal(t, []string{first.CommitID, second.CommitID}, delivered)

		c, err := backend.(es.CommitDispatcher).UndispatchedCommits(ctx, 0)
		require.NoError(t, err)
		require.Len(t, c, 1)
		require.Equal(t, second.CommitID, c[0].CommitID)

		require.NoError(t, store.MarkDispatched(ctx, second.CommitID))
		require.NoError(t, store.MarkDispatched(ctx, second.CommitID))
		pending, err = store.UndispatchedCommits(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, pending)

		err = store.MarkDispatched(ctx, "missing-"+gonanoid.Must(10))
		require.ErrorIs(t, err, es.ErrCommitNotFound)

		if _, ok := backend.(es.CommitReader); ok {
			read, err := store.ReadCommit(ctx, first.CommitID)
			require.NoError(t, err)
			require.True(t, read.Dispatched)
		}
	})
}

func runConcurrentAppends(t *testing.T, backend es.Backend, id string) {
	const writers = 8

	ctx := t.Context()
	_, err := es.NewStore(backend).Append(ctx, id, es.NoStream, es.Events("Created", 1))
	require.NoError(t, err)

	type outcome struct {
		res *es.AppendResult
		err error
	}

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make([]outcome, writers)
	)
	for i := 0; i < writers; i++ {
		// a store per writer, as if every writer was its own process
		store := es.NewStore(backend)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := store.Append(ctx, id, 1, es.Events("Changed", 2))
			outcomes[i] = outcome{res: res, err: err}
		}(i)
	}
	close(start)
	wg.Wait()

	var winner *es.AppendResult
	for _, o := range outcomes {
		if o.err == nil {
			require.Nil(t, winner, "more than one append succeeded")
			winner = o.res
		}
	}
	require.NotNil(t, winner, "no append succeeded")
	require.Equal(t, es.Version(3), winner.Version)

	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		conflict, ok := es.IsConflict(o.err)
		if assert.True(t, ok, "unexpected error: %v", o.err) {
			require.Equal(t, winner.Version, conflict.Actual)
		}
	}

	events, err := backend.Read(context.WithoutCancel(ctx), id, 1)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		require.Equal(t, es.Version(i+1), e.Version)
	}
	require.Equal(t, winner.CommitID, events[2].CommitID)
}
