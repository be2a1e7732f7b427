package db_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/db"
)

func TestOpenCreatesStateDirWithPragmas(t *testing.T) {
	dir := t.TempDir()
	cfg := db.Config{Workspace: dir}
	conn, err := db.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	require.NoError(t, conn.PingContext(ctx))
	assert.Equal(t, filepath.Join(dir, db.StateDir, "nightlobster.db"), cfg.Path())
	_, err = os.Stat(cfg.Path())
	require.NoError(t, err)

	var fk int
	require.NoError(t, conn.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
	var mode string
	require.NoError(t, conn.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}
