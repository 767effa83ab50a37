package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/backup"
	"github.com/loykin/botvisor/internal/deploy"
	"github.com/loykin/botvisor/internal/entrypoint"
	"github.com/loykin/botvisor/internal/registry"
	"github.com/loykin/botvisor/internal/server"
	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/supervisor"
)

func startAPI(t *testing.T) string {
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
	return ts.URL + "/api"
}

func run(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--api-url", api, "--admin-token", "admin"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestWorkersCommands(t *testing.T) {
	api := startAPI(t)
	script := filepath.Join(t.TempDir(), "echo_bot.sh")
	body := "# token 31337:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw\necho ready\nexec sleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, api, "workers", "deploy", script)
	if err != nil {
		t.Fatalf("deploy: %v\n%s", err, out)
	}
	if !strings.Contains(out, "deployed 31337 (echo_bot)") || !strings.Contains(out, "start: started") {
		t.Fatalf("unexpected deploy output: %s", out)
	}

	out, err = run(t, api, "workers", "list")
	if err != nil || !strings.Contains(out, "31337") || !strings.Contains(out, "running") {
		t.Fatalf("list: %v\n%s", err, out)
	}

	out, err = run(t, api, "workers", "start", "31337")
	if err != nil || !strings.Contains(out, "already_running") {
		t.Fatalf("start while running should be a no-op: %v\n%s", err, out)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		out, err = run(t, api, "workers", "logs", "31337", "--limit", "10")
		if err == nil && strings.Contains(out, "[STDOUT] ready") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("logs: %v\n%s", err, out)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if out, err = run(t, api, "workers", "autorestart", "31337", "off"); err != nil || !strings.Contains(out, "auto_restart=false") {
		t.Fatalf("autorestart: %v\n%s", err, out)
	}
	if out, err = run(t, api, "workers", "stop", "31337"); err != nil || !strings.Contains(out, "stopped") {
		t.Fatalf("stop: %v\n%s", err, out)
	}

	if _, err = run(t, api, "workers", "files", "mkdir", "31337", "data"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if out, err = run(t, api, "workers", "files", "ls", "31337"); err != nil || !strings.Contains(out, "data/") {
		t.Fatalf("ls: %v\n%s", err, out)
	}
	if out, err = run(t, api, "workers", "files", "get", "31337", "echo_bot.sh"); err != nil || out != body {
		t.Fatalf("get: %v\n%q", err, out)
	}
	if _, err = run(t, api, "workers", "files", "get", "31337", "../etc/passwd"); err == nil {
		t.Fatalf("expected path escape to fail")
	}

	if out, err = run(t, api, "workers", "backup", "31337"); err != nil || !strings.Contains(out, "31337_backup_") {
		t.Fatalf("backup: %v\n%s", err, out)
	}
	if out, err = run(t, api, "backups"); err != nil || !strings.Contains(out, "31337_backup_") {
		t.Fatalf("backups: %v\n%s", err, out)
	}
	if out, err = run(t, api, "system"); err != nil || !strings.Contains(out, `"total_workers": 1`) {
		t.Fatalf("system: %v\n%s", err, out)
	}

	if _, err = run(t, api, "workers", "delete", "31337"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err = run(t, api, "workers", "status", "31337"); err == nil {
		t.Fatalf("expected status of deleted worker to fail")
	}
}

func TestLifecycleFailureIsAnError(t *testing.T) {
	api := startAPI(t)
	script := filepath.Join(t.TempDir(), "bad.sh")
	if err := os.WriteFile(script, []byte("exit 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, api, "workers", "deploy", script, "--token", "8080:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw", "--no-start"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	out, err := run(t, api, "workers", "start", "8080")
	if err == nil || !strings.Contains(out, "crashed") {
		t.Fatalf("expected crashed start to fail: %v\n%s", err, out)
	}
}

func TestUnauthorized(t *testing.T) {
	api := startAPI(t)
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--api-url", api, "--admin-token", "wrong", "workers", "list"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
