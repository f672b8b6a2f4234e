package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

// TestingStore is a Store over an in-memory backend bound to a test.
type TestingStore struct {
	*Store
	Backend *InMemoryBackend
	t       *testing.T
}

func StartTestStore(t *testing.T, opts ...StoreOption) *TestingStore {
	t.Helper()
	backend := NewInMemoryBackend()
	s := NewStore(backend, opts...)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return &TestingStore{
		Store:   s,
		Backend: backend,
		t:       t,
	}
}

func (s *TestingStore) Assert() *TestingStoreAssert {
	return &TestingStoreAssert{s: s}
}

type TestingStoreAssert struct {
	s *TestingStore
}

// Append appends events and requires success.
func (a *TestingStoreAssert) Append(
	ctx context.Context,
	streamID string,
	expected Version,
	events ...Event,
) *AppendResult {
	a.s.t.Helper()
	res, err := a.s.Append(ctx, streamID, expected, events)
	require.NoError(a.s.t, err)
	require.Equal(a.s.t, expected+Version(len(events)), res.Version)
	return res
}

// Conflict requires an append to fail with a conflict reporting actual.
func (a *TestingStoreAssert) Conflict(
	ctx context.Context,
	streamID string,
	expected Version,
	actual Version,
	events ...Event,
) {
	a.s.t.Helper()
	_, err := a.s.Append(ctx, streamID, expected, events)
	require.ErrorIs(a.s.t, err, ErrConcurrencyConflict)
	conflict, ok := IsConflict(err)
	require.True(a.s.t, ok)
	require.Equal(a.s.t, expected, conflict.Expected)
	require.Equal(a.s.t, actual, conflict.Actual)
}

// Version requires the backend to report want for streamID.
func (a *TestingStoreAssert) Version(ctx context.Context, streamID string, want Version) {
	a.s.t.Helper()
	v, err := a.s.Backend.CurrentVersion(ctx, streamID)
	require.NoError(a.s.t, err)
	require.Equal(a.s.t, want, v)
}

// Events builds n events of type typ with JSON object payloads.
func Events(typ string, n int) []Event {
	out := make([]Event, n)
	for i := range out {
		out[i] = NewEvent(typ, []byte(`{"n":`+Version(i+1).String()+`}`))
	}
	return out
}
