// Package sqlstore implements es.Backend on top of database/sql.
//
// Every stream has a row in the heads table holding its version. An append
// runs in one transaction: it advances the head with a conditional write
// (an UPDATE guarded by the expected version, or an INSERT that does nothing
// when the head exists) and inserts the events. A conditional write that
// touches no row is a concurrency conflict.
//
// The same transaction records the batch in the commits table, which backs
// commit lookup and dispatch bookkeeping.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/evstore/core/es"
)

type Config struct {
	DB      *sql.DB
	Dialect Dialect
	Log     *slog.Logger
	// EventsTable is the name of the events table (default "events").
	EventsTable string
	// HeadsTable is the name of the stream version table (default "stream_heads").
	HeadsTable string
	// CommitsTable is the name of the commit table (default "commits").
	CommitsTable string
	// SkipMigrate disables creating the schema in New.
	SkipMigrate bool
}

// Backend is a SQL-backed es.Backend.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	log     *slog.Logger
	q       queries
}

type queries struct {
	insertHead        string
	advanceHead       string
	selectHead        string
	insertEvent       string
	selectFrom        string
	insertCommit      string
	selectCommit      string
	selectCommitEvent string
	selectPending     string
	selectPendingN    string
	markDispatched    string
}

// New creates the backend and, unless disabled, migrates the schema.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DB == nil {
		return nil, errors.New("sqlstore: no database")
	}
	if cfg.Dialect.Placeholder == nil || cfg.Dialect.IsUniqueViolation == nil {
		return nil, errors.New("sqlstore: incomplete dialect")
	}
	if cfg.EventsTable == "" {
		cfg.EventsTable = "events"
	}
	if cfg.HeadsTable == "" {
		cfg.HeadsTable = "stream_heads"
	}
	if cfg.CommitsTable == "" {
		cfg.CommitsTable = "commits"
	}
	if cfg.Dialect.BlobType == "" {
		cfg.Dialect.BlobType = "BLOB"
	}
	if cfg.Dialect.SerialType == "" {
		cfg.Dialect.SerialType = "INTEGER PRIMARY KEY"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	b := &Backend{
		db:      cfg.DB,
		dialect: cfg.Dialect,
		cfg:     cfg,
		log:     cfg.Log.With(slog.String("backend", cfg.Dialect.Name)),
	}
	b.q = b.buildQueries()

	if !cfg.SkipMigrate {
		if err := b.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) buildQueries() queries {
	const eventColumns = `stream_id, version, event_id, commit_id, event_type, payload, metadata, recorded_at`
	p := b.dialect.Placeholder
	return queries{
		insertHead: fmt.Sprintf(
			`INSERT INTO %s (stream_id, version) VALUES (%s, %s) ON CONFLICT (stream_id) DO NOTHING`,
			b.cfg.HeadsTable, p(1), p(2),
		),
		advanceHead: fmt.Sprintf(
			`UPDATE %s SET version = %s WHERE stream_id = %s AND version = %s`,
			b.cfg.HeadsTable, p(1), p(2), p(3),
		),
		selectHead: fmt.Sprintf(
			`SELECT version FROM %s WHERE stream_id = %s`,
			b.cfg.HeadsTable, p(1),
		),
		insertEvent: fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
			b.cfg.EventsTable, eventColumns, p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8),
		),
		selectFrom: fmt.Sprintf(
			`SELECT %s FROM %s WHERE stream_id = %s AND version >= %s ORDER BY version ASC`,
			eventColumns, b.cfg.EventsTable, p(1), p(2),
		),
		insertCommit: fmt.Sprintf(
			`INSERT INTO %s (commit_id, stream_id, first_version, last_version, recorded_at) VALUES (%s, %s, %s, %s, %s)`,
			b.cfg.CommitsTable, p(1), p(2), p(3), p(4), p(5),
		),
		selectCommit: fmt.Sprintf(
			`SELECT dispatched FROM %s WHERE commit_id = %s`,
			b.cfg.CommitsTable, p(1),
		),
		selectCommitEvent: fmt.Sprintf(
			`SELECT %s FROM %s WHERE commit_id = %s ORDER BY version ASC`,
			eventColumns, b.cfg.EventsTable, p(1),
		),
		selectPending: fmt.Sprintf(
			`SELECT commit_id FROM %s WHERE dispatched = FALSE ORDER BY seq ASC`,
			b.cfg.CommitsTable,
		),
		selectPendingN: fmt.Sprintf(
			`SELECT commit_id FROM %s WHERE dispatched = FALSE ORDER BY seq ASC LIMIT %s`,
			b.cfg.CommitsTable, p(1),
		),
		markDispatched: fmt.Sprintf(
			`UPDATE %s SET dispatched = TRUE WHERE commit_id = %s`,
			b.cfg.CommitsTable, p(1),
		),
	}
}

func (b *Backend) Append(
	ctx context.Context,
	streamID string,
	expected es.Version,
	events []es.Event,
) (es.Version, error) {
	if len(events) == 0 {
		return 0, es.ErrStoreNoEvents
	}
	newVersion := expected + es.Version(len(events))

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var res sql.Result
	if expected == es.NoStream {
		res, err = tx.ExecContext(ctx, b.q.insertHead, streamID, int64(newVersion))
	} else {
		res, err = tx.ExecContext(ctx, b.q.advanceHead, int64(newVersion), streamID, int64(expected))
	}
	if err != nil {
		return 0, fmt.Errorf("advance head: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("advance head: %w", err)
	}
	if n == 0 {
		actual, err := b.headVersion(ctx, tx, streamID)
		if err != nil {
			return 0, fmt.Errorf("read head after conflict: %w", err)
		}
		return 0, es.NewConflictError(streamID, expected, actual)
	}

	for i, e := range events {
		md, err := encodeMetadata(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("%w: event %d metadata: %w", es.ErrInvalidArgument, i, err)
		}
		_, err = tx.ExecContext(
			ctx,
			b.q.insertEvent,
			streamID,
			int64(e.Version),
			e.ID,
			e.CommitID,
			e.Type,
			e.Payload,
			md,
			e.RecordedAt.UnixNano(),
		)
		if err != nil {
			if b.dialect.IsUniqueViolation(err) {
				return 0, b.uniqueViolation(ctx, tx, streamID, expected, fmt.Sprintf("event id %q", e.ID), err)
			}
			return 0, fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	commitID := events[0].CommitID
	_, err = tx.ExecContext(
		ctx,
		b.q.insertCommit,
		commitID,
		streamID,
		int64(expected+1),
		int64(newVersion),
		events[0].RecordedAt.UnixNano(),
	)
	if err != nil {
		if b.dialect.IsUniqueViolation(err) {
			return 0, b.uniqueViolation(ctx, tx, streamID, expected, fmt.Sprintf("commit id %q", commitID), err)
		}
		return 0, fmt.Errorf("insert commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		// the commit may have been applied before the connection failed
		return 0, fmt.Errorf("%w: commit: %w", es.ErrIndeterminate, err)
	}
	committed = true

	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		newVersion.SlogAttr(),
		slog.Int("num_events", len(events)),
	)
	return newVersion, nil
}

// uniqueViolation classifies a failed insert. Rows for the target versions
// can only exist if the head moved, which the guarded head write rules out,
// so a violation means the event or commit id was used before.
func (b *Backend) uniqueViolation(
	ctx context.Context,
	tx *sql.Tx,
	streamID string,
	expected es.Version,
	what string,
	err error,
) error {
	_ = tx.Rollback()
	actual, herr := b.headVersion(ctx, b.db, streamID)
	if herr == nil && actual != expected {
		return es.NewConflictError(streamID, expected, actual)
	}
	return fmt.Errorf("%w: duplicate %s: %w", es.ErrInvalidArgument, what, err)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) headVersion(ctx context.Context, q queryRower, streamID string) (es.Version, error) {
	var v int64
	err := q.QueryRowContext(ctx, b.q.selectHead, streamID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return es.NoStream, nil
	}
	if err != nil {
		return 0, err
	}
	return es.Version(v), nil
}

func (b *Backend) Read(ctx context.Context, streamID string, from es.Version) ([]es.Event, error) {
	rows, err := b.db.QueryContext(ctx, b.q.selectFrom, streamID, int64(from))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]es.Event, error) {
	defer rows.Close()

	events := make([]es.Event, 0)
	for rows.Next() {
		var (
			e          es.Event
			version    int64
			md         sql.NullString
			recordedAt int64
		)
		if err := rows.Scan(
			&e.StreamID,
			&version,
			&e.ID,
			&e.CommitID,
			&e.Type,
			&e.Payload,
			&md,
			&recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Version = es.Version(version)
		e.RecordedAt = time.Unix(0, recordedAt).UTC()
		if md.Valid && md.String != "" {
			if err := json.Unmarshal([]byte(md.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s@%d: %w", e.StreamID, version, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (b *Backend) CurrentVersion(ctx context.Context, streamID string) (es.Version, error) {
	v, err := b.headVersion(ctx, b.db, streamID)
	if err != nil {
		return 0, fmt.Errorf("query head: %w", err)
	}
	return v, nil
}

// DB returns the underlying database.
func (b *Backend) DB() *sql.DB { return b.db }

// Close closes the underlying database.
func (b *Backend) Close() error { return b.db.Close() }

func encodeMetadata(md map[string]string) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

var (
	_ es.Backend          = (*Backend)(nil)
	_ es.CommitReader     = (*Backend)(nil)
	_ es.CommitDispatcher = (*Backend)(nil)
)
