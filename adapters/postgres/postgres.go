// Package postgres provides an es.Backend on PostgreSQL using lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/codewandler/evstore/adapters/sqlstore"
)

// Dialect is the sqlstore dialect for PostgreSQL.
var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Placeholder:       sqlstore.DollarPlaceholder,
	BlobType:          "BYTEA",
	SerialType:        "BIGSERIAL PRIMARY KEY",
	IsUniqueViolation: IsUniqueViolation,
}

const uniqueViolation = pq.ErrorCode("23505")

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*sqlstore.Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b, err := New(ctx, db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// New creates a backend on an open database.
func New(ctx context.Context, db *sql.DB, log *slog.Logger, opts ...func(*sqlstore.Config)) (*sqlstore.Backend, error) {
	cfg := sqlstore.Config{
		DB:      db,
		Dialect: Dialect,
		Log:     log,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return sqlstore.New(ctx, cfg)
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
