package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Commit is the batch of events written by one successful [Store.Append].
type Commit struct {
	StreamID string `json:"stream_id"`
	CommitID string `json:"commit_id"`
	// Version is the version of the last event of the commit.
	Version    Version   `json:"version"`
	RecordedAt time.Time `json:"recorded_at"`
	Events     []Event   `json:"events"`
	Dispatched bool      `json:"dispatched"`
}

// NewCommit builds the commit of a batch read back from a backend. events
// must be non-empty and share one commit id.
func NewCommit(events []Event, dispatched bool) Commit {
	first, last := events[0], events[len(events)-1]
	return Commit{
		StreamID:   first.StreamID,
		CommitID:   first.CommitID,
		Version:    last.Version,
		RecordedAt: first.RecordedAt,
		Events:     events,
		Dispatched: dispatched,
	}
}

// ReadCommit returns the batch appended under commitID. It fails with
// errors.ErrUnsupported when the backend cannot look up commits.
func (s *Store) ReadCommit(ctx context.Context, commitID string) (*Commit, error) {
	if commitID == "" {
		return nil, fmt.Errorf("%w: empty commit id", ErrInvalidArgument)
	}
	r, ok := s.backend.(CommitReader)
	if !ok {
		return nil, unsupported("commit lookup")
	}

	defer s.metrics.ReadDuration().ObserveDuration()

	c, err := r.ReadCommit(ctx, commitID)
	if err != nil {
		return nil, s.backendFailed("read_commit", fmt.Sprintf("read commit %q", commitID), err)
	}
	return &c, nil
}

// UndispatchedCommits returns up to limit commits that have not been marked
// dispatched, in append order. limit <= 0 returns all of them.
func (s *Store) UndispatchedCommits(ctx context.Context, limit int) ([]Commit, error) {
	d, ok := s.backend.(CommitDispatcher)
	if !ok {
		return nil, unsupported("commit dispatch")
	}
	commits, err := d.UndispatchedCommits(ctx, limit)
	if err != nil {
		return nil, s.backendFailed("undispatched_commits", "list undispatched commits", err)
	}
	if commits == nil {
		commits = []Commit{}
	}
	return commits, nil
}

// MarkDispatched records that the commit has been delivered.
func (s *Store) MarkDispatched(ctx context.Context, commitID string) error {
	if commitID == "" {
		return fmt.Errorf("%w: empty commit id", ErrInvalidArgument)
	}
	d, ok := s.backend.(CommitDispatcher)
	if !ok {
		return unsupported("commit dispatch")
	}
	if err := d.MarkDispatched(ctx, commitID); err != nil {
		return s.backendFailed("mark_dispatched", fmt.Sprintf("mark commit %q dispatched", commitID), err)
	}
	return nil
}

// Dispatch hands every undispatched commit to deliver, oldest first, and
// marks it dispatched once deliver returns nil. It stops at the first
// failing delivery and returns the number of commits dispatched.
//
// A commit is delivered at least once: if marking fails after a successful
// delivery, the next Dispatch delivers it again.
func (s *Store) Dispatch(
	ctx context.Context,
	limit int,
	deliver func(ctx context.Context, c Commit) error,
) (int, error) {
	commits, err := s.UndispatchedCommits(ctx, limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range commits {
		if err := deliver(ctx, c); err != nil {
			return n, fmt.Errorf("deliver commit %q: %w", c.CommitID, err)
		}
		if err := s.MarkDispatched(ctx, c.CommitID); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		s.log.Debug("dispatched", slog.Int("num_commits", n))
	}
	return n, nil
}

func unsupported(what string) error {
	return fmt.Errorf("%w: %s", errors.ErrUnsupported, what)
}
