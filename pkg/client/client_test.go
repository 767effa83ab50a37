package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/backup"
	"github.com/loykin/botvisor/internal/deploy"
	"github.com/loykin/botvisor/internal/entrypoint"
	"github.com/loykin/botvisor/internal/registry"
	"github.com/loykin/botvisor/internal/server"
	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/supervisor"
)

const token = "777000222:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell workers need a unix host")
	}
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	st := store.NewMemory()
	reg := registry.New(st, registry.NewFactory(supervisor.Options{
		Interpreter: "/bin/sh",
		GraceWindow: 200 * time.Millisecond,
		StopTimeout: 2 * time.Second,
		PollTimeout: 50 * time.Millisecond,
		Policy:      entrypoint.Policy{Extensions: []string{".sh"}},
		Logger:      quiet,
	}), quiet)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	workers := filepath.Join(root, "hosted_bots")
	r := server.NewRouter(server.Deps{
		Registry:   reg,
		Store:      st,
		Installer:  deploy.New(workers, st, deploy.WithExtensions(".sh")),
		Backups:    backup.New(filepath.Join(root, "bot_backups")),
		WorkersDir: workers,
		BasePath:   "/api",
		AdminToken: "admin",
		Logger:     quiet,
	})
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL + "/api", Token: "admin", Logger: quiet})
}

func TestClientWorkflow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	dep, err := c.Deploy(ctx, DeployRequest{Filename: "bot.sh", Name: "demo", Token: token},
		strings.NewReader("exec sleep 30\n"))
	require.NoError(t, err)
	assert.Equal(t, "777000222", dep.Worker.ID)
	require.NotNil(t, dep.Start)
	assert.Equal(t, "started", dep.Start.Code)

	res, err := c.Start(ctx, dep.Worker.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "already_running", res.Code)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "running", list[0].Status)

	ws, err := c.SetAutoRestart(ctx, dep.Worker.ID, false)
	require.NoError(t, err)
	assert.False(t, ws.AutoRestart)

	res, err = c.Stop(ctx, dep.Worker.ID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", res.Code)

	require.NoError(t, c.WriteFile(ctx, dep.Worker.ID, "notes/a.txt", strings.NewReader("hi")))
	files, err := c.ListFiles(ctx, dep.Worker.ID, "notes")
	require.NoError(t, err)
	require.Len(t, files, 1)
	var buf bytes.Buffer
	_, err = c.Download(ctx, dep.Worker.ID, "notes/a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", buf.String())
	require.NoError(t, c.Mkdir(ctx, dep.Worker.ID, "cache"))
	require.NoError(t, c.RemoveFile(ctx, dep.Worker.ID, "notes"))

	path, err := c.Backup(ctx, dep.Worker.ID)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), "777000222_backup_")
	backups, err := c.Backups(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.NoError(t, c.Delete(ctx, dep.Worker.ID))
	_, err = c.Status(ctx, dep.Worker.ID)
	assert.True(t, IsNotFound(err))
}

func TestClientErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Deploy(ctx, DeployRequest{Filename: "bot.exe", Token: token}, strings.NewReader("x"))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 400, ae.StatusCode)
	assert.NotEmpty(t, ae.Message)

	_, err = c.Logs(ctx, "999", 10)
	assert.True(t, IsNotFound(err))

	unauth := New(Config{BaseURL: c.baseURL, Logger: c.logger})
	_, err = unauth.List(ctx)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 401, ae.StatusCode)
	assert.False(t, unauth.IsReachable(ctx))
}
