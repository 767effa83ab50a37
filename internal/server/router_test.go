package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
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
	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/supervisor"
)

const (
	adminToken = "s3cret"
	botToken   = "555000111:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
	botID      = "555000111"
)

func setupRouter(t *testing.T, token string) http.Handler {
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
	r := NewRouter(Deps{
		Registry:   reg,
		Store:      st,
		Installer:  deploy.New(filepath.Join(root, "hosted_bots"), st, deploy.WithExtensions(".sh"), deploy.WithLogger(quiet)),
		Backups:    backup.New(filepath.Join(root, "bot_backups"), backup.WithLogger(quiet)),
		WorkersDir: filepath.Join(root, "hosted_bots"),
		BasePath:   "/api",
		AdminToken: token,
		Logger:     quiet,
	})
	return r.Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func deployForm(t *testing.T, filename, script string, start bool) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(script))
	_ = mw.WriteField("token", botToken)
	_ = mw.WriteField("name", "echo")
	if !start {
		_ = mw.WriteField("start", "false")
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAdminTokenRequired(t *testing.T) {
	h := setupRouter(t, adminToken)
	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/api/workers", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownAndInvalidWorker(t *testing.T) {
	h := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/api/workers/404404", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if e := decode[errorResp](t, rec); e.Error == "" {
		t.Fatalf("error body missing")
	}
	rec = doReq(t, h, http.MethodPost, "/api/workers/a..b/start", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeployLifecycle(t *testing.T) {
	h := setupRouter(t, adminToken)
	body, ct := deployForm(t, "bot.sh", "echo hello\nexec sleep 30\n", true)
	rec := doReq(t, h, http.MethodPost, "/api/workers", body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("deploy: %d %s", rec.Code, rec.Body.String())
	}
	dep := decode[deployResp](t, rec)
	if dep.Worker.ID != botID || dep.Start == nil || dep.Start.Code != supervisor.CodeStarted {
		t.Fatalf("unexpected deploy response: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), botToken) {
		t.Fatalf("token leaked in response")
	}

	body, ct = deployForm(t, "bot.sh", "exit 0\n", false)
	if rec := doReq(t, h, http.MethodPost, "/api/workers", body, ct); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate deploy: expected 409, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodPost, "/api/workers/"+botID+"/start", nil, "")
	if rec.Code != http.StatusConflict || decode[supervisor.Result](t, rec).Code != supervisor.CodeAlreadyRunning {
		t.Fatalf("second start: %d %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodGet, "/api/workers/"+botID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	wr := decode[workerResp](t, rec)
	if wr.Status.Status != store.StatusRunning || wr.Status.PID == 0 || wr.Worker.Token == botToken {
		t.Fatalf("unexpected status: %s", rec.Body.String())
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = doReq(t, h, http.MethodGet, "/api/workers/"+botID+"/logs?limit=10", nil, "")
		if strings.Contains(decode[logsResp](t, rec).Text, "[STDOUT] hello") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("logs never captured: %s", rec.Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec = doReq(t, h, http.MethodGet, "/api/system", nil, "")
	if sys := decode[systemResp](t, rec); sys.TotalWorkers != 1 || sys.RunningWorkers != 1 {
		t.Fatalf("system: %s", rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPatch, "/api/workers/"+botID, strings.NewReader(`{"auto_restart":false}`), "application/json")
	if rec.Code != http.StatusOK || decode[supervisor.Snapshot](t, rec).AutoRestart {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPost, "/api/workers/"+botID+"/stop", nil, "")
	if rec.Code != http.StatusOK || decode[supervisor.Result](t, rec).Code != supervisor.CodeStopped {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodPost, "/api/workers/"+botID+"/stop", nil, "")
	if rec.Code != http.StatusOK || decode[supervisor.Result](t, rec).Code != supervisor.CodeAlreadyStopped {
		t.Fatalf("second stop: %d %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPost, "/api/workers/"+botID+"/backup", nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("backup: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, "/api/backups", nil, "")
	if list := decode[[]backup.Entry](t, rec); len(list) != 1 || list[0].WorkerID != botID {
		t.Fatalf("backups: %s", rec.Body.String())
	}

	rec = doReq(t, h, http.MethodDelete, "/api/workers/"+botID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodGet, "/api/workers/"+botID, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestFileManager(t *testing.T) {
	h := setupRouter(t, "")
	body, ct := deployForm(t, "bot.sh", "exit 0\n", false)
	if rec := doReq(t, h, http.MethodPost, "/api/workers", body, ct); rec.Code != http.StatusCreated {
		t.Fatalf("deploy: %d %s", rec.Code, rec.Body.String())
	}
	base := "/api/workers/" + botID

	rec := doReq(t, h, http.MethodPut, base+"/files?path=data/a.txt", strings.NewReader("hello"), "application/octet-stream")
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, base+"/files?path=data", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"a.txt"`) {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, base+"/files/content?path=data/a.txt", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("download: %d %q", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, h, http.MethodGet, base+"/files?path=../..", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("escape: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, base+"/files/content?path=data", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("download dir: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodDelete, base+"/files?path=", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("root removal: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, base+"/dirs?path=cache/tmp", nil, ""); rec.Code != http.StatusCreated {
		t.Fatalf("mkdir: expected 201, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodDelete, base+"/files?path=data/a.txt", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, base+"/files/content?path=data/a.txt", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("removed file: expected 404, got %d", rec.Code)
	}
}
