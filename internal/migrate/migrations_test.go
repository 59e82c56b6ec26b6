package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obraline/internal/db"
	"obraline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := migrate.CurrentVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err = migrate.CurrentVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('entities','submissions','transitions','progress_inputs')`).Scan(&n))
	assert.Equal(t, 4, n)
}
