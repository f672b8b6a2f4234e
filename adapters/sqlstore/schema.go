package sqlstore

import (
	"context"
	"fmt"
)

func (b *Backend) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	stream_id TEXT PRIMARY KEY,
	version BIGINT NOT NULL
)`, b.cfg.HeadsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	stream_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	commit_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload %s,
	metadata TEXT,
	recorded_at BIGINT NOT NULL,
	PRIMARY KEY (stream_id, version)
)`, b.cfg.EventsTable, b.dialect.BlobType),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_commit_id_idx ON %s (commit_id)`,
			b.cfg.EventsTable,
			b.cfg.EventsTable,
		),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq %s,
	commit_id TEXT NOT NULL UNIQUE,
	stream_id TEXT NOT NULL,
	first_version BIGINT NOT NULL,
	last_version BIGINT NOT NULL,
	recorded_at BIGINT NOT NULL,
	dispatched BOOLEAN NOT NULL DEFAULT FALSE
)`, b.cfg.CommitsTable, b.dialect.SerialType),
		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_dispatched_idx ON %s (dispatched, seq)`,
			b.cfg.CommitsTable,
			b.cfg.CommitsTable,
		),
	}
}

// Migrate creates the tables if they do not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	for _, stmt := range b.schema() {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s schema: %w", b.dialect.Name, err)
		}
	}
	return nil
}
