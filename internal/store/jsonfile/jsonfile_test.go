package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/store"
)

func TestJSONFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "config.json")
	f, err := New(path)
	require.NoError(t, err)
	require.NoError(t, f.EnsureSchema(ctx))

	rec := store.Record{ID: "123", Name: "echo", Token: "123:tok", Directory: "/srv/123",
		Status: store.StatusStopped, AutoRestart: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.Put(ctx, rec))

	got, err := f.Get(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name)
	assert.True(t, got.AutoRestart)

	_, err = f.Get(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, f.Delete(ctx, "123"))
	list, err := f.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestJSONFileReadsLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	legacy := `{
  "55": {"name": "legacy", "token": "55:abc", "directory": "/srv/55", "status": "running", "pid": 321},
  "44": {"id": "44", "name": "quiet", "status": "stopped", "auto_restart": false}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	f, err := New(path)
	require.NoError(t, err)
	list, err := f.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "44", list[0].ID)
	assert.False(t, list[0].AutoRestart)
	assert.Equal(t, "55", list[1].ID)
	assert.True(t, list[1].AutoRestart)
	assert.Equal(t, 321, list[1].PID)
}
