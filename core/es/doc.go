// Package es provides the core of an append-only event store with optimistic
// concurrency control over pluggable durable backends.
//
// # Overview
//
// An event stream is the ordered history of one aggregate instance (an
// order, an account). Every [Event] in a stream carries a [Version]: the
// first event has version 1, the next 2, and so on without gaps. The version
// of a stream is the version of its last event, or [NoStream] (0) when the
// stream is empty.
//
// # Core Components
//
// Store: the engine. [Store.Append] writes a batch of events atomically if
// the stream is still at the version the caller expects, [Store.Read]
// returns stream history in order.
//
//	store := es.NewStore(es.NewInMemoryBackend())
//
//	created, _ := es.NewJSONEvent(OrderCreated{Customer: "c-1"})
//	res, err := store.Append(ctx, "order-42", es.NoStream, []es.Event{created})
//	// res.Version == 1
//
// Backend: the durable storage contract. A [Backend] must perform the
// version check as part of the write. [NewInMemoryBackend] is provided for
// tests, the adapters packages provide SQL, DynamoDB, NATS JetStream and
// Redis backends.
//
// Version cache: the store remembers the last known version per stream and
// rejects appends that are certain to conflict without a backend round
// trip. The cache only ever short-circuits rejections; acceptance is always
// decided by the backend.
//
// # Concurrency Control
//
// Two appends with the same expected version never both succeed. The loser
// receives a [*ConflictError] holding the actual stream version and is
// expected to re-read, recompute and retry:
//
//	_, err := store.Append(ctx, "order-42", 1, events)
//	if conflict, ok := es.IsConflict(err); ok {
//	    history, _ := store.Read(ctx, "order-42", es.WithFromVersion(1))
//	    // rebuild state from history, retry at conflict.Actual
//	}
//
// When the backend call is cancelled or times out the outcome is unknown:
// the append may or may not have been committed. The store returns an
// [*IndeterminateError] and the caller must read the stream before retrying.
//
// # Errors
//
// Errors are classified by sentinels usable with errors.Is:
// [ErrConcurrencyConflict], [ErrInvalidArgument], [ErrBackendUnavailable]
// and [ErrIndeterminate]. Reading a stream that does not exist is not an
// error, it yields an empty slice.
package es
