package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astrodb/internal/config"
	"astrodb/internal/domain"
	"astrodb/internal/store"
)

func TestOpenDefaultWorkspace(t *testing.T) {
	ws := t.TempDir()
	rt, err := Open(context.Background(), ws, nil)
	require.NoError(t, err)
	defer rt.Close()

	_, err = os.Stat(filepath.Join(ws, ".astrodb", "astrodb.db"))
	require.NoError(t, err)

	pid, err := rt.Store.SubmitProposal(context.Background(), []domain.Target{{TID: "m42", ExposureTime: 10}})
	require.NoError(t, err)
	_, err = rt.Store.StoreImage(context.Background(), pid, "m42", domain.ImageInput{Data: []byte("x")})
	require.ErrorIs(t, err, store.ErrNotReady)

	families, err := rt.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "astrodb_store_operations_total")
}

func TestOpenHonoursImagePolicyAndBlobs(t *testing.T) {
	ws := t.TempDir()
	cfg, err := config.FromYAML([]byte("images:\n  require_ready: false\n  blob:\n    driver: fs\n"))
	require.NoError(t, err)
	rt, err := Open(context.Background(), ws, cfg)
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	pid, err := rt.Store.SubmitProposal(ctx, []domain.Target{{TID: "m42", ExposureTime: 10}})
	require.NoError(t, err)
	_, err = rt.Store.StoreImage(ctx, pid, "m42", domain.ImageInput{Data: []byte("frame")})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(ws, ".astrodb", "blobs", "proposals"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDBConfigResolvesPath(t *testing.T) {
	cfg := config.Default()
	got := DBConfig("/srv/astro", cfg)
	assert.Equal(t, filepath.Join("/srv/astro", ".astrodb", "astrodb.db"), got.Path)
	assert.Equal(t, "sqlite", got.Driver)
	assert.Equal(t, 5000, got.BusyTimeoutMS)
}
