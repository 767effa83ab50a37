package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/store"
)

type brokenStore struct{ store.Store }

func (brokenStore) List(context.Context) ([]store.Record, error) {
	return nil, errors.New("database is locked")
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthCountsWorkers(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.Record{ID: "1", Name: "a", Status: store.StatusRunning}))
	require.NoError(t, st.Put(ctx, store.Record{ID: "2", Name: "b", Status: store.StatusStopped}))
	require.NoError(t, st.Put(ctx, store.Record{ID: "3", Name: "c", Status: store.StatusCrashed}))

	s := New(st, false, nil)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	rec := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 3, body.TotalBots)
	assert.Equal(t, 1, body.RunningBots)
	assert.Equal(t, Message, body.Message)
	assert.True(t, at.Equal(body.Timestamp))
}

func TestHealthDegraded(t *testing.T) {
	s := New(brokenStore{store.NewMemory()}, false, nil)
	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.IncStart("health-test")
	rec := get(t, New(store.NewMemory(), true, nil).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "# HELP") || strings.Contains(rec.Body.String(), "go_"))

	rec = get(t, New(store.NewMemory(), false, nil).Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, get(t, New(store.NewMemory(), false, nil).Handler(), "/nope").Code)
}
