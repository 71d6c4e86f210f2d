package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visatrack/internal/config"
	"visatrack/internal/repo"
)

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)

	a, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Store.(repo.Repo)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, ".visatrack", "artifacts"), a.Artifacts.Root)

	w, err := a.Engine.GetOrCreateWorkflow(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, w.Steps, 6)

	latest, err := a.Store.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "cassandra"
	_, err := Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestCloseNil(t *testing.T) {
	var a *App
	assert.NoError(t, a.Close())
}
