package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/core/es/estests"
)

func newTestEventStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := NewEventStore(t.Context(), EventStoreConfig{
		Connect: NewTestContainer(t),
		Storage: jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSubjectForStream(t *testing.T) {
	e := &EventStore{subjectPrefix: "evstore"}

	for _, id := range []string{"order-42", "a.b.c", "with space", "*", ">", "ümlaut"} {
		subj := e.subjectForStream(id)
		token, ok := strings.CutPrefix(subj, "evstore.")
		require.True(t, ok)
		require.NotContains(t, token, ".")
		require.NotContains(t, token, " ")

		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)
		require.Equal(t, id, string(raw))
	}
}

func TestNats_EventStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store := newTestEventStore(t)

	t.Run("stream info", func(t *testing.T) {
		si, err := store.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, defaultStreamName, si.Config.Name)
		require.Equal(t, []string{defaultSubjectPrefix + ".>"}, si.Config.Subjects)
	})

	t.Run("one message per commit", func(t *testing.T) {
		s := es.NewStore(store)
		res, err := s.Append(t.Context(), "order-42", es.NoStream, es.Events("Created", 3))
		require.NoError(t, err)
		require.Equal(t, es.Version(3), res.Version)

		lm, err := store.stream.GetLastMsgForSubject(t.Context(), store.subjectForStream("order-42"))
		require.NoError(t, err)
		require.Equal(t, "3", lm.Header.Get(headerStreamVersion))
		require.Equal(t, res.CommitID, lm.Header.Get(headerCommitID))

		si, err := store.stream.Info(t.Context())
		require.NoError(t, err)
		require.EqualValues(t, 1, si.State.Msgs)
	})

	t.Run("read from inside a commit", func(t *testing.T) {
		events, err := store.Read(t.Context(), "order-42", 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, es.Version(2), events[0].Version)
		require.Equal(t, es.Version(3), events[1].Version)
	})
}

func TestNats_Backend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	estests.RunBackendSuite(t, func(t *testing.T) es.Backend {
		return newTestEventStore(t)
	})
}

func TestClassifyPublishError(t *testing.T) {
	rejected := &jetstream.APIError{Code: 503, ErrorCode: 10077, Description: "maximum messages exceeded"}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no responders", natsgo.ErrNoResponders, es.ErrBackendUnavailable},
		{"no stream response", jetstream.ErrNoStreamResponse, es.ErrBackendUnavailable},
		{"stream rejected", rejected, es.ErrBackendUnavailable},
		{"payload", natsgo.ErrMaxPayload, es.ErrInvalidArgument},
		{"timeout", natsgo.ErrTimeout, es.ErrIndeterminate},
		{"deadline", context.DeadlineExceeded, es.ErrIndeterminate},
		{"connection closed", natsgo.ErrConnectionClosed, es.ErrIndeterminate},
		{"unclassified", errors.New("nats: stale connection"), es.ErrIndeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPublishError("evstore.b3JkZXI", tt.err)
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, tt.err)
			for _, other := range []error{es.ErrBackendUnavailable, es.ErrIndeterminate, es.ErrInvalidArgument} {
				if other != tt.want {
					require.NotErrorIs(t, err, other)
				}
			}
		})
	}
}
