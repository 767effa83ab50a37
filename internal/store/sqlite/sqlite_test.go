package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/botvisor/internal/store"
)

func TestSQLiteRoundTrip(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	created := time.Now().UTC().Truncate(time.Second)
	rec := store.Record{ID: "111", Name: "svc", Token: "111:tok", Directory: "/srv/111",
		Status: store.StatusStopped, AutoRestart: true, CreatedAt: created}
	if err := db.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get(ctx, "111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "svc" || !got.AutoRestart || got.PID != 0 || !got.StartTime.IsZero() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch: %v vs %v", got.CreatedAt, created)
	}

	// running with pid and start time
	rec.Status = store.StatusRunning
	rec.PID = 4321
	rec.StartTime = time.Now().UTC().Truncate(time.Second)
	if err := db.Put(ctx, rec); err != nil {
		t.Fatalf("put running: %v", err)
	}
	got, _ = db.Get(ctx, "111")
	if got.Status != store.StatusRunning || got.PID != 4321 || got.StartTime.IsZero() {
		t.Fatalf("unexpected running record: %+v", got)
	}

	_ = db.Put(ctx, store.Record{ID: "222", Name: "other", Status: store.StatusStopped, CreatedAt: created})
	list, err := db.List(ctx)
	if err != nil || len(list) != 2 || list[0].ID != "111" {
		t.Fatalf("list: %+v err=%v", list, err)
	}

	if err := db.Delete(ctx, "111"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(ctx, "111"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botvisor.db")
	ctx := context.Background()
	db, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(ctx, store.Record{ID: "7", Name: "seven", Status: store.StatusRunning, PID: 9, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	got, err := db2.Get(ctx, "7")
	if err != nil || got.PID != 9 {
		t.Fatalf("reopen: %+v err=%v", got, err)
	}
}
