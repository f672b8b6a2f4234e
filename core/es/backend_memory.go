package es

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// InMemoryBackend is a simple, correct backend for tests and development.
// Nothing survives the process.
type InMemoryBackend struct {
	mu       sync.RWMutex
	log      *slog.Logger
	streams  map[string][]Event
	eventIDs map[string]struct{}
	commits  map[string]*memoryCommit
	// order lists commit ids in append order.
	order []string
}

type memoryCommit struct {
	streamID   string
	from, to   Version
	dispatched bool
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		log:      slog.Default().With(slog.String("backend", "memory")),
		streams:  map[string][]Event{},
		eventIDs: map[string]struct{}{},
		commits:  map[string]*memoryCommit{},
	}
}

func (b *InMemoryBackend) Append(
	ctx context.Context,
	streamID string,
	expected Version,
	events []Event,
) (Version, error) {
	if len(events) == 0 {
		return 0, ErrStoreNoEvents
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		cur        = b.streams[streamID]
		curVersion = Version(len(cur))
	)
	if curVersion != expected {
		return 0, NewConflictError(streamID, expected, curVersion)
	}

	commitID := events[0].CommitID
	if _, dup := b.commits[commitID]; dup {
		return 0, fmt.Errorf("%w: duplicate commit id %q", ErrInvalidArgument, commitID)
	}

	batchIDs := make(map[string]struct{}, len(events))
	for i, e := range events {
		if e.Version != expected+Version(i+1) {
			return 0, fmt.Errorf("%w: event %d has version %d, want %d", ErrInvalidArgument, i, e.Version, expected+Version(i+1))
		}
		if _, dup := b.eventIDs[e.ID]; dup {
			return 0, fmt.Errorf("%w: duplicate event id %q", ErrInvalidArgument, e.ID)
		}
		if _, dup := batchIDs[e.ID]; dup {
			return 0, fmt.Errorf("%w: duplicate event id %q", ErrInvalidArgument, e.ID)
		}
		batchIDs[e.ID] = struct{}{}
	}

	for id := range batchIDs {
		b.eventIDs[id] = struct{}{}
	}
	b.streams[streamID] = append(cur, events...)

	newVersion := expected + Version(len(events))
	b.commits[commitID] = &memoryCommit{streamID: streamID, from: expected + 1, to: newVersion}
	b.order = append(b.order, commitID)
	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		newVersion.SlogAttr(),
		slog.Int("num_events", len(events)),
	)
	return newVersion, nil
}

func (b *InMemoryBackend) Read(ctx context.Context, streamID string, from Version) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	stream := b.streams[streamID]
	if from == 0 {
		from = 1
	}
	if from > Version(len(stream)) {
		return []Event{}, nil
	}
	return slices.Clone(stream[from-1:]), nil
}

func (b *InMemoryBackend) CurrentVersion(ctx context.Context, streamID string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return Version(len(b.streams[streamID])), nil
}

func (b *InMemoryBackend) ReadCommit(ctx context.Context, commitID string) (Commit, error) {
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.commits[commitID]
	if !ok {
		return Commit{}, ErrCommitNotFound
	}
	return b.commitLocked(c), nil
}

func (b *InMemoryBackend) UndispatchedCommits(ctx context.Context, limit int) ([]Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Commit{}
	for _, id := range b.order {
		if limit > 0 && len(out) == limit {
			break
		}
		if c := b.commits[id]; !c.dispatched {
			out = append(out, b.commitLocked(c))
		}
	}
	return out, nil
}

func (b *InMemoryBackend) MarkDispatched(ctx context.Context, commitID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.commits[commitID]
	if !ok {
		return ErrCommitNotFound
	}
	c.dispatched = true
	return nil
}

func (b *InMemoryBackend) commitLocked(c *memoryCommit) Commit {
	events := slices.Clone(b.streams[c.streamID][c.from-1 : c.to])
	return NewCommit(events, c.dispatched)
}

var (
	_ Backend          = (*InMemoryBackend)(nil)
	_ CommitReader     = (*InMemoryBackend)(nil)
	_ CommitDispatcher = (*InMemoryBackend)(nil)
)
