// Package sqlite provides an embedded es.Backend on SQLite, using the pure
// Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/codewandler/evstore/adapters/sqlstore"
)

// Dialect is the sqlstore dialect for SQLite.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	Placeholder:       sqlstore.QuestionPlaceholder,
	BlobType:          "BLOB",
	SerialType:        "INTEGER PRIMARY KEY",
	IsUniqueViolation: IsUniqueViolation,
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// Open opens (or creates) the database file at path, applies pragmas and
// migrates the schema.
func Open(ctx context.Context, path string, log *slog.Logger) (*sqlstore.Backend, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// single writer, also keeps the pragmas on the one connection
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	b, err := sqlstore.New(ctx, sqlstore.Config{
		DB:      db,
		Dialect: Dialect,
		Log:     log.With(slog.String("path", path)),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// IsUniqueViolation reports whether err is a SQLite unique or primary key
// constraint violation.
func IsUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// extended result codes disabled
		return strings.Contains(serr.Error(), "UNIQUE constraint failed")
	}
	return false
}
