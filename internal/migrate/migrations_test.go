package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/db"
	"nightlobster/internal/migrate"
)

func TestMigrateIsIdempotentAndRecorded(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()

	before, err := migrate.Status(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, before.Applied)
	assert.Equal(t, 0, before.Current())
	require.NotEmpty(t, before.Pending)

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	after, err := migrate.Status(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, after.Pending)
	require.Len(t, after.Applied, len(before.Pending))
	assert.Equal(t, "0001_init.sql", after.Applied[0].Name)
	assert.Equal(t, 1, after.Current())

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n))
	assert.Zero(t, n)
}

func TestLoadOrdersEmbeddedMigrations(t *testing.T) {
	ms, err := migrate.Load()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
}
