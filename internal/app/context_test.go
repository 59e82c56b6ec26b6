package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obraline/internal/config"
	"obraline/internal/db"
	"obraline/internal/engine"
	"obraline/internal/migrate"
)

func openEngine(t *testing.T, workspace string) engine.Engine {
	t.Helper()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return engine.New(conn, nil)
}

func TestResolveInitializesFromWorkspaceConfig(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault("obras-2025")), 0o644))
	e := openEngine(t, workspace)

	id, cfg, err := ResolveProgramAndConfig(ctx, workspace, "", "alcaldia", e)
	require.NoError(t, err)
	assert.Equal(t, "obras-2025", id)
	assert.Equal(t, "obras-2025", cfg.Program.ID)

	who, err := e.WhoAmI(ctx, id, "alcaldia")
	require.NoError(t, err)
	assert.Equal(t, []string{"owner"}, who.Roles)

	again, _, err := ResolveProgramAndConfig(ctx, workspace, "", "someone-else", e)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestResolveFallsBackToSingleProgram(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	e := openEngine(t, workspace)

	_, _, err := ResolveProgramAndConfig(ctx, workspace, "", "alcaldia", e)
	require.Error(t, err)

	_, _, err = ResolveProgramAndConfig(ctx, workspace, "caminos", "alcaldia", e)
	require.NoError(t, err)

	id, cfg, err := ResolveProgramAndConfig(ctx, workspace, "", "alcaldia", e)
	require.NoError(t, err)
	assert.Equal(t, "caminos", id)
	assert.NotEmpty(t, cfg.Stages)
}
