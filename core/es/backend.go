package es

import "context"

// Backend is the durable storage contract driven by the [Store].
//
// Implementations must perform the version check of Append as part of the
// write itself (a conditional write), so that two concurrent appends with
// the same expected version can never both succeed.
type Backend interface {
	// Append atomically appends events to the stream if its current version
	// equals expected. Events arrive with versions expected+1..expected+n
	// already assigned. On success it returns the new stream version. On a
	// version mismatch it returns a *ConflictError holding the actual version.
	Append(ctx context.Context, streamID string, expected Version, events []Event) (Version, error)

	// Read returns all events with a version >= from in ascending order. A
	// stream without events yields an empty slice and no error.
	Read(ctx context.Context, streamID string, from Version) ([]Event, error)

	// CurrentVersion returns the version of the stream, 0 if it has no events.
	CurrentVersion(ctx context.Context, streamID string) (Version, error)
}

// CommitReader is implemented by backends that can look up a batch by its
// commit id.
type CommitReader interface {
	// ReadCommit returns the commit with its events in version order, or
	// ErrCommitNotFound.
	ReadCommit(ctx context.Context, commitID string) (Commit, error)
}

// CommitDispatcher is implemented by backends that track which commits have
// been delivered downstream. Every appended commit starts undispatched.
type CommitDispatcher interface {
	// UndispatchedCommits returns up to limit undispatched commits in append
	// order. limit <= 0 returns all of them.
	UndispatchedCommits(ctx context.Context, limit int) ([]Commit, error)

	// MarkDispatched marks a commit as delivered. Marking it again is a
	// no-op; an unknown commit id yields ErrCommitNotFound.
	MarkDispatched(ctx context.Context, commitID string) error
}

// BackendFunc adapts a set of functions to the Backend interface.
type BackendFunc struct {
	AppendFunc         func(ctx context.Context, streamID string, expected Version, events []Event) (Version, error)
	ReadFunc           func(ctx context.Context, streamID string, from Version) ([]Event, error)
	CurrentVersionFunc func(ctx context.Context, streamID string) (Version, error)
}

func (b BackendFunc) Append(ctx context.Context, streamID string, expected Version, events []Event) (Version, error) {
	return b.AppendFunc(ctx, streamID, expected, events)
}

func (b BackendFunc) Read(ctx context.Context, streamID string, from Version) ([]Event, error) {
	return b.ReadFunc(ctx, streamID, from)
}

func (b BackendFunc) CurrentVersion(ctx context.Context, streamID string) (Version, error) {
	return b.CurrentVersionFunc(ctx, streamID)
}

var _ Backend = BackendFunc{}
