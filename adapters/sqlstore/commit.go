package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codewandler/evstore/core/es"
)

func (b *Backend) ReadCommit(ctx context.Context, commitID string) (es.Commit, error) {
	var dispatched bool
	err := b.db.QueryRowContext(ctx, b.q.selectCommit, commitID).Scan(&dispatched)
	if errors.Is(err, sql.ErrNoRows) {
		return es.Commit{}, es.ErrCommitNotFound
	}
	if err != nil {
		return es.Commit{}, fmt.Errorf("query commit: %w", err)
	}
	return b.commitEvents(ctx, commitID, dispatched)
}

func (b *Backend) commitEvents(ctx context.Context, commitID string, dispatched bool) (es.Commit, error) {
	rows, err := b.db.QueryContext(ctx, b.q.selectCommitEvent, commitID)
	if err != nil {
		return es.Commit{}, fmt.Errorf("query commit events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return es.Commit{}, err
	}
	if len(events) == 0 {
		return es.Commit{}, fmt.Errorf("commit %q has no events", commitID)
	}
	return es.NewCommit(events, dispatched), nil
}

func (b *Backend) UndispatchedCommits(ctx context.Context, limit int) ([]es.Commit, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = b.db.QueryContext(ctx, b.q.selectPendingN, limit)
	} else {
		rows, err = b.db.QueryContext(ctx, b.q.selectPending)
	}
	if err != nil {
		return nil, fmt.Errorf("query undispatched commits: %w", err)
	}

	// collect the ids first; sqlite holds a single connection
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan commit id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate undispatched commits: %w", err)
	}
	_ = rows.Close()

	commits := make([]es.Commit, 0, len(ids))
	for _, id := range ids {
		c, err := b.commitEvents(ctx, id, false)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

func (b *Backend) MarkDispatched(ctx context.Context, commitID string) error {
	res, err := b.db.ExecContext(ctx, b.q.markDispatched, commitID)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if n == 0 {
		return es.ErrCommitNotFound
	}
	return nil
}
