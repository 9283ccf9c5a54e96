package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteCreatesJournalTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", "command_log").Scan(&name))
	assert.Equal(t, "command_log", name)

	require.NoError(t, BootstrapSQLite(ctx, db), "bootstrap is idempotent")
}

func TestOpenSQLiteInMemorySharesOneConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, "INSERT INTO command_log (id, action, status, completed_at) VALUES ('a', 'swap', 'succeeded', '2026-01-01T00:00:00Z')")
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM command_log").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}
