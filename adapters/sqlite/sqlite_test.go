package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/core/es/estests"
)

func openTemp(t *testing.T) (string, *es.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	b, err := Open(t.Context(), path, nil)
	require.NoError(t, err)
	s := es.NewStore(b)
	t.Cleanup(func() { _ = s.Close() })
	return path, s
}

func TestSQLiteBackend(t *testing.T) {
	estests.RunBackendSuite(t, func(t *testing.T) es.Backend {
		b, err := Open(t.Context(), filepath.Join(t.TempDir(), "suite.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestSQLite_Persists(t *testing.T) {
	path, s := openTemp(t)

	res, err := s.Append(t.Context(), "order-42", es.NoStream, es.Events("Created", 2))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	b, err := Open(t.Context(), path, nil)
	require.NoError(t, err)
	defer b.Close()

	v, err := b.CurrentVersion(t.Context(), "order-42")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), v)

	events, err := b.Read(t.Context(), "order-42", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for i := range events {
		require.True(t, res.Events[i].Equal(events[i]))
	}
}

func TestSQLite_DuplicateEventID(t *testing.T) {
	_, s := openTemp(t)

	first := es.NewEvent("Created", []byte(`{}`), es.WithEventID("evt-1"))
	_, err := s.Append(t.Context(), "a", es.NoStream, []es.Event{first})
	require.NoError(t, err)

	again := es.NewEvent("Created", []byte(`{}`), es.WithEventID("evt-1"))
	_, err = s.Append(t.Context(), "b", es.NoStream, []es.Event{again})
	require.ErrorIs(t, err, es.ErrInvalidArgument)
	require.True(t, IsUniqueViolation(err))

	// nothing of the failed batch is visible
	s.InvalidateCache("b")
	v, err := s.CurrentVersion(t.Context(), "b")
	require.NoError(t, err)
	require.Equal(t, es.NoStream, v)
}
