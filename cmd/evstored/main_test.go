package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore/adapters/sqlite"
	"github.com/codewandler/evstore/core/es"
)

func seedSQLite(t *testing.T) string {
	path, _ := seedSQLiteCommit(t)
	return path
}

// seedSQLiteCommit appends three events to order-42 in one commit.
func seedSQLiteCommit(t *testing.T) (path, commitID string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "events.db")
	b, err := sqlite.Open(t.Context(), path, nil)
	require.NoError(t, err)
	s := es.NewStore(b)
	res, err := s.Append(t.Context(), "order-42", es.NoStream, es.Events("OrderCreated", 3))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return path, res.CommitID
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestHead(t *testing.T) {
	t.Setenv("EVSTORE_SQLITE_PATH", seedSQLite(t))

	out, err := run(t, "--backend", "sqlite", "head", "order-42")
	require.NoError(t, err)
	require.Equal(t, "3\n", out)

	out, err = run(t, "--backend", "sqlite", "head", "unknown")
	require.NoError(t, err)
	require.Equal(t, "0\n", out)
}

func TestRead(t *testing.T) {
	t.Setenv("EVSTORE_SQLITE_PATH", seedSQLite(t))

	out, err := run(t, "--backend", "sqlite", "read", "order-42", "--from", "2", "--limit", "1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)

	var e es.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	require.Equal(t, es.Version(2), e.Version)
	require.Equal(t, "order-42", e.StreamID)
}

func TestReadRange(t *testing.T) {
	t.Setenv("EVSTORE_SQLITE_PATH", seedSQLite(t))

	out, err := run(t, "--backend", "sqlite", "read", "order-42", "--to", "2")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestCommit(t *testing.T) {
	path, commitID := seedSQLiteCommit(t)
	t.Setenv("EVSTORE_SQLITE_PATH", path)

	out, err := run(t, "--backend", "sqlite", "commit", commitID)
	require.NoError(t, err)

	var c es.Commit
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	require.Equal(t, commitID, c.CommitID)
	require.Equal(t, es.Version(3), c.Version)
	require.Len(t, c.Events, 3)

	_, err = run(t, "--backend", "sqlite", "commit", "unknown")
	require.ErrorIs(t, err, es.ErrCommitNotFound)
}

func TestUndispatched(t *testing.T) {
	path, commitID := seedSQLiteCommit(t)
	t.Setenv("EVSTORE_SQLITE_PATH", path)

	out, err := run(t, "--backend", "sqlite", "undispatched")
	require.NoError(t, err)
	require.Contains(t, out, commitID)

	out, err = run(t, "--backend", "sqlite", "undispatched", "--mark")
	require.NoError(t, err)
	require.Contains(t, out, commitID)

	out, err = run(t, "--backend", "sqlite", "undispatched")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestInvalidFlags(t *testing.T) {
	_, err := run(t, "--backend", "tape", "head", "order-42")
	require.ErrorContains(t, err, "unknown backend")

	_, err = run(t, "--log-level", "loud", "head", "order-42")
	require.ErrorContains(t, err, "log.level")

	_, err = run(t, "head")
	require.Error(t, err)
}
