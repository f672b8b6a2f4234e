package es

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/codewandler/evstore/core/cache"
	"github.com/codewandler/evstore/core/sf"
)

// AppendResult describes a committed batch.
type AppendResult struct {
	StreamID string
	// Version is the stream version after the batch, i.e. the version of its
	// last event.
	Version  Version
	CommitID string
	// Events are the appended events with all store-assigned fields set.
	Events []Event
}

// Store enforces optimistic concurrency on top of a [Backend].
//
// The version cache lets conflicting appends be rejected without a backend
// round trip. It is never trusted for acceptance: every append that passes
// the cache check is decided by the backend's conditional write.
type Store struct {
	backend       Backend
	log           *slog.Logger
	metrics       Metrics
	versions      cache.VersionCache[Version]
	lookups       *sf.Singleflight[Version]
	clock         func() time.Time
	newID         IDGenerator
	newCommitID   IDGenerator
	lookupTimeout time.Duration
}

func NewStore(backend Backend, opts ...StoreOption) *Store {
	options := storeOptions{
		log:           slog.Default(),
		metrics:       NopMetrics(),
		clock:         func() time.Time { return time.Now().UTC() },
		idGen:         DefaultIDGenerator(),
		commitIDGen:   DefaultCommitIDGenerator(),
		lookupTimeout: DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	if options.versions == nil {
		options.versions = cache.NewLRU[Version](cache.LRUOpts{Size: DefaultCacheSize})
	}

	return &Store{
		backend:       backend,
		log:           options.log.With(slog.String("component", "es.store")),
		metrics:       options.metrics,
		versions:      options.versions,
		lookups:       sf.New[Version](),
		clock:         options.clock,
		newID:         options.idGen,
		newCommitID:   options.commitIDGen,
		lookupTimeout: options.lookupTimeout,
	}
}

// Append atomically appends events to streamID if the stream is at version
// expected. Use [NoStream] to create a stream.
//
// The returned error is a *ConflictError when the stream is at a different
// version, an *IndeterminateError when the outcome is unknown, and wraps
// ErrInvalidArgument or ErrBackendUnavailable otherwise.
func (s *Store) Append(
	ctx context.Context,
	streamID string,
	expected Version,
	events []Event,
) (*AppendResult, error) {
	if err := ValidateStreamID(streamID); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	defer s.metrics.AppendDuration().ObserveDuration()

	log := s.log.With(
		slog.String("stream_id", streamID),
		expected.SlogAttrWithKey("expected_version"),
	)

	batch, commitID, err := s.prepareBatch(streamID, expected, events)
	if err != nil {
		return nil, err
	}

	known, cached, err := s.knownVersion(ctx, streamID)
	if err != nil {
		return nil, err
	}

	if cached && known < expected {
		// the cached version may lag behind appends of other processes
		log.Debug("cached version behind expected, refreshing", known.SlogAttrWithKey("cached_version"))
		if known, err = s.refreshVersion(ctx, streamID); err != nil {
			return nil, err
		}
	}

	if known != expected {
		s.metrics.ConcurrencyConflict(true)
		log.Warn("append rejected before write", known.SlogAttrWithKey("actual_version"))
		return nil, NewConflictError(streamID, expected, known)
	}

	newVersion, err := s.backend.Append(ctx, streamID, expected, batch)
	if err != nil {
		return nil, s.appendFailed(ctx, log, streamID, expected, err)
	}

	if !s.versions.CompareAndSet(streamID, expected, newVersion) {
		s.versions.Set(streamID, newVersion)
	}
	s.metrics.EventsAppended(len(batch))

	log.Debug(
		"appended",
		newVersion.SlogAttr(),
		slog.Int("num_events", len(batch)),
		slog.String("commit_id", commitID),
	)

	return &AppendResult{
		StreamID: streamID,
		Version:  newVersion,
		CommitID: commitID,
		Events:   batch,
	}, nil
}

// prepareBatch copies events and assigns the store-controlled fields.
func (s *Store) prepareBatch(streamID string, expected Version, events []Event) ([]Event, string, error) {
	var (
		commitID   = s.newCommitID()
		recordedAt = s.clock()
		batch      = make([]Event, len(events))
	)
	for i, e := range events {
		if e.ID == "" {
			e.ID = s.newID()
		}
		if err := e.Validate(); err != nil {
			return nil, "", fmt.Errorf("event %d: %w", i, err)
		}
		e.StreamID = streamID
		e.Version = expected + Version(i+1)
		e.CommitID = commitID
		e.RecordedAt = recordedAt
		batch[i] = e
	}
	return batch, commitID, nil
}

func (s *Store) appendFailed(
	ctx context.Context,
	log *slog.Logger,
	streamID string,
	expected Version,
	err error,
) error {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		s.versions.Set(streamID, conflict.Actual)
		s.metrics.ConcurrencyConflict(false)
		log.Warn("append rejected by backend", conflict.Actual.SlogAttrWithKey("actual_version"))
		return NewConflictError(streamID, expected, conflict.Actual)

	case errors.Is(err, ErrConcurrencyConflict):
		// no actual version reported
		s.versions.Delete(streamID)
		s.metrics.ConcurrencyConflict(false)
		log.Warn("append rejected by backend", slog.Any("error", err))
		return err

	case errors.Is(err, ErrIndeterminate),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		ctx.Err() != nil:
		s.versions.Delete(streamID)
		s.metrics.Indeterminate()
		log.Warn("append outcome indeterminate", slog.Any("error", err))
		return &IndeterminateError{StreamID: streamID, Expected: expected, Err: err}

	case errors.Is(err, ErrInvalidArgument):
		return err

	case errors.Is(err, ErrBackendUnavailable):
		s.metrics.BackendError("append")
		log.Error("append failed", slog.Any("error", err))
		return err

	default:
		s.metrics.BackendError("append")
		log.Error("append failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
}

// knownVersion returns the cached version of the stream, asking the backend
// on a miss. cached reports whether the version came from the cache.
func (s *Store) knownVersion(ctx context.Context, streamID string) (v Version, cached bool, err error) {
	if v, ok := s.versions.Get(streamID); ok {
		s.metrics.CacheHit()
		return v, true, nil
	}
	s.metrics.CacheMiss()
	v, err = s.refreshVersion(ctx, streamID)
	return v, false, err
}

// refreshVersion loads the version of the stream from the backend and seeds
// the cache. Concurrent refreshes of one stream share a single backend call,
// which runs detached from the callers' contexts; each caller only stops
// waiting when its own ctx is done.
func (s *Store) refreshVersion(ctx context.Context, streamID string) (Version, error) {
	ch := s.lookups.DoChan(streamID, func() (Version, error) {
		lookupCtx := context.WithoutCancel(ctx)
		if s.lookupTimeout > 0 {
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(lookupCtx, s.lookupTimeout)
			defer cancel()
		}
		v, err := s.backend.CurrentVersion(lookupCtx, streamID)
		if err != nil {
			return 0, err
		}
		s.versions.Set(streamID, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("lookup version of %q: %w", streamID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, s.backendFailed("current_version", fmt.Sprintf("lookup version of %q", streamID), res.Err)
		}
		return res.Val, nil
	}
}

// backendFailed prefixes err with what. Errors of no known kind are marked
// ErrBackendUnavailable and counted under op.
func (s *Store) backendFailed(op, what string, err error) error {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrCommitNotFound),
		errors.Is(err, ErrBackendUnavailable):
		return fmt.Errorf("%s: %w", what, err)
	default:
		s.metrics.BackendError(op)
		return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, what, err)
	}
}

// Read returns the events of streamID in version order, starting at version
// 1 unless [WithFromVersion] says otherwise and ending at the head unless
// [WithToVersion] does. A stream without events yields
// an empty slice. Reads always go to the backend.
func (s *Store) Read(ctx context.Context, streamID string, opts ...ReadOption) ([]Event, error) {
	if err := ValidateStreamID(streamID); err != nil {
		return nil, err
	}

	options := readOptions{from: 1}
	for _, opt := range opts {
		opt.applyToRead(&options)
	}
	if options.from == 0 {
		options.from = 1
	}
	if options.limit < 0 {
		return nil, fmt.Errorf("%w: negative read limit %d", ErrInvalidArgument, options.limit)
	}
	if options.to > 0 && options.to < options.from {
		return nil, fmt.Errorf("%w: read range %d..%d is empty", ErrInvalidArgument, options.from, options.to)
	}

	defer s.metrics.ReadDuration().ObserveDuration()

	events, err := s.backend.Read(ctx, streamID, options.from)
	if err != nil {
		return nil, s.backendFailed("read", fmt.Sprintf("read %q", streamID), err)
	}

	if events == nil {
		events = []Event{}
	}
	if options.to > 0 {
		n := 0
		for n < len(events) && events[n].Version <= options.to {
			n++
		}
		events = events[:n]
	}
	if options.limit > 0 && len(events) > options.limit {
		events = events[:options.limit]
	}

	s.log.Debug(
		"read",
		slog.String("stream_id", streamID),
		options.from.SlogAttrWithKey("from_version"),
		options.to.SlogAttrWithKey("to_version"),
		slog.Int("num_events", len(events)),
	)

	return events, nil
}

// CurrentVersion returns the version of streamID, served from the cache
// when possible.
func (s *Store) CurrentVersion(ctx context.Context, streamID string) (Version, error) {
	if err := ValidateStreamID(streamID); err != nil {
		return 0, err
	}
	v, _, err := s.knownVersion(ctx, streamID)
	return v, err
}

// InvalidateCache drops the cached version of streamID.
func (s *Store) InvalidateCache(streamID string) { s.versions.Delete(streamID) }

// ClearCache drops all cached versions, e.g. after restoring a backend.
func (s *Store) ClearCache() { s.versions.Clear() }

// Close closes the backend if it holds resources.
func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AppendJSON encodes each value with [NewJSONEvent] and appends them as one
// batch.
func AppendJSON(
	ctx context.Context,
	store *Store,
	streamID string,
	expected Version,
	values ...any,
) (*AppendResult, error) {
	events := make([]Event, 0, len(values))
	for _, v := range values {
		e, err := NewJSONEvent(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		events = append(events, e)
	}
	return store.Append(ctx, streamID, expected, events)
}
