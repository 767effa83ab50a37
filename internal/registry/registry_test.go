package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/entrypoint"
	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/supervisor"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testFactory() Factory {
	return NewFactory(supervisor.Options{
		Interpreter:     "/bin/sh",
		GraceWindow:     200 * time.Millisecond,
		StopTimeout:     2 * time.Second,
		RestartCooldown: 200 * time.Millisecond,
		PollTimeout:     50 * time.Millisecond,
		Policy:          entrypoint.Policy{Extensions: []string{".sh"}},
		Logger:          quietLogger(),
	})
}

func addWorker(t *testing.T, st store.Store, id string, status store.Status) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.sh"), []byte("exec sleep 30\n"), 0o644))
	require.NoError(t, st.Put(context.Background(), store.Record{
		ID: id, Name: "w" + id, Token: id + ":tokentokentokentokentoken", Directory: dir,
		Status: status, AutoRestart: true, CreatedAt: time.Now(),
	}))
	return dir
}

func newRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell workers need a unix host")
	}
	st := store.NewMemory()
	r := New(st, testFactory(), quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, st
}

func TestGetUnknown(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Get(context.Background(), "missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGetReturnsSameInstance(t *testing.T) {
	r, st := newRegistry(t)
	addWorker(t, st, "1", store.StatusStopped)
	a, err := r.Get(context.Background(), "1")
	require.NoError(t, err)
	b, err := r.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.False(t, a.Live())
}

func TestGetResumesLiveRecord(t *testing.T) {
	r, st := newRegistry(t)
	addWorker(t, st, "2", store.StatusRunning)
	s, err := r.Get(context.Background(), "2")
	require.NoError(t, err)
	require.Eventually(t, s.Live, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, r.Live(), "2")
}

func TestDeleteStopsInBackground(t *testing.T) {
	r, st := newRegistry(t)
	addWorker(t, st, "3", store.StatusStopped)
	ctx := context.Background()
	s, err := r.Get(ctx, "3")
	require.NoError(t, err)
	require.True(t, s.Start(ctx).OK)

	r.Delete("3")
	require.True(t, r.Wait(5*time.Second))
	assert.False(t, s.Live())
	rec, err := st.Get(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, rec.Status)

	fresh, err := r.Get(ctx, "3")
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
}

func TestDecommission(t *testing.T) {
	r, st := newRegistry(t)
	dir := addWorker(t, st, "4", store.StatusStopped)
	ctx := context.Background()
	s, err := r.Get(ctx, "4")
	require.NoError(t, err)
	require.True(t, s.Start(ctx).OK)

	require.NoError(t, r.Decommission(ctx, "4"))
	assert.False(t, s.Live())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, err = st.Get(ctx, "4")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var nf *NotFoundError
	assert.ErrorAs(t, r.Decommission(ctx, "4"), &nf)
}

func TestShutdownThenResume(t *testing.T) {
	r, st := newRegistry(t)
	addWorker(t, st, "5", store.StatusStopped)
	addWorker(t, st, "6", store.StatusStopped)
	ctx := context.Background()
	s, err := r.Get(ctx, "5")
	require.NoError(t, err)
	require.True(t, s.Start(ctx).OK)

	require.NoError(t, r.Shutdown(ctx))
	rec, _ := st.Get(ctx, "5")
	assert.Equal(t, store.StatusRunning, rec.Status)
	assert.Zero(t, rec.PID)
	other, _ := st.Get(ctx, "6")
	assert.Equal(t, store.StatusStopped, other.Status)

	next := New(st, testFactory(), quietLogger())
	t.Cleanup(func() { _ = next.Shutdown(context.Background()) })
	n, err := next.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		_, ok := next.Live()["5"]
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestList(t *testing.T) {
	r, st := newRegistry(t)
	addWorker(t, st, "8", store.StatusStopped)
	addWorker(t, st, "7", store.StatusCrashed)
	_, err := r.Get(context.Background(), "8")
	require.NoError(t, err)

	list, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "7", list[0].ID)
	assert.Equal(t, store.StatusCrashed, list[0].Status)
	assert.Equal(t, "N/A", list[0].Uptime)
	assert.Equal(t, "8", list[1].ID)
}
