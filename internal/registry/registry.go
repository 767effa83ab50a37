// Package registry maps worker ids to their supervisors.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/supervisor"
)

// NotFoundError is returned for ids without a stored record.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("worker %q not found", e.ID) }

func (e *NotFoundError) Unwrap() error { return store.ErrNotFound }

// Factory builds the supervisor for one worker id.
type Factory func(id string, st store.Store) *supervisor.Supervisor

// NewFactory returns a Factory that applies opts to every supervisor.
func NewFactory(opts supervisor.Options) Factory {
	return func(id string, st store.Store) *supervisor.Supervisor {
		return supervisor.New(id, st, opts)
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithHistory records decommission events.
func WithHistory(h *history.Recorder) Option {
	return func(r *Registry) { r.history = h }
}

// Registry is a cache of supervisors over the store. The store stays the
// source of truth; Resume reconciles the cache after a host restart.
type Registry struct {
	store   store.Store
	factory Factory
	log     *slog.Logger
	history *history.Recorder

	mu   sync.Mutex
	sups map[string]*supervisor.Supervisor

	bg sync.WaitGroup
}

func New(st store.Store, factory Factory, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:   st,
		factory: factory,
		log:     logger,
		sups:    make(map[string]*supervisor.Supervisor),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the supervisor for id, creating it on first use. A record whose
// persisted status is live gets an asynchronous Start; Get never waits for it.
func (r *Registry) Get(ctx context.Context, id string) (*supervisor.Supervisor, error) {
	return r.lookup(ctx, id, true)
}

func (r *Registry) lookup(ctx context.Context, id string, resume bool) (*supervisor.Supervisor, error) {
	r.mu.Lock()
	s, ok := r.sups[id]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", id, err)
	}

	r.mu.Lock()
	if s, ok := r.sups[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	s = r.factory(id, r.store)
	r.sups[id] = s
	r.mu.Unlock()

	if resume && rec.Status.Live() {
		r.async("resume", id, func() {
			res := s.Start(context.Background())
			if !res.OK && res.Code != supervisor.CodeAlreadyRunning {
				r.log.Warn("resume failed", "worker", id, "code", res.Code, "error", res.Err)
			}
		})
	}
	return s, nil
}

// Delete forgets the supervisor for id. A live child is stopped in the
// background and automatic restarts are disabled; Delete does not wait.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	s, ok := r.sups[id]
	delete(r.sups, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Disable()
	// Stop waits for an in-flight Start, so a child spawned concurrently is
	// still torn down.
	r.async("stop", id, func() {
		if res := s.Stop(context.Background()); !res.OK {
			r.log.Warn("background stop failed", "worker", id, "code", res.Code, "error", res.Err)
		}
	})
	metrics.Forget(id)
}

// Resume starts every worker whose stored status is live and returns how
// many were scheduled.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !rec.Status.Live() {
			continue
		}
		if _, err := r.Get(ctx, rec.ID); err != nil {
			r.log.Warn("resume lookup failed", "worker", rec.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// List returns a snapshot of every stored worker, sorted by id.
func (r *Registry) List(ctx context.Context) ([]supervisor.Snapshot, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]supervisor.Snapshot, 0, len(recs))
	for _, rec := range recs {
		r.mu.Lock()
		s, ok := r.sups[rec.ID]
		r.mu.Unlock()
		if ok {
			if snap, err := s.Status(ctx); err == nil {
				out = append(out, snap)
				continue
			}
		}
		out = append(out, supervisor.FromRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Live maps worker id to pid for every owned child.
func (r *Registry) Live() map[string]int {
	r.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(r.sups))
	for _, s := range r.sups {
		sups = append(sups, s)
	}
	r.mu.Unlock()
	out := make(map[string]int)
	for _, s := range sups {
		if pid := s.PID(); pid > 0 {
			out[s.ID()] = pid
		}
	}
	metrics.SetRunning(len(out))
	return out
}

// Decommission stops the worker, removes its directory and erases its record.
func (r *Registry) Decommission(ctx context.Context, id string) error {
	s, err := r.lookup(ctx, id, false)
	if err != nil {
		return err
	}
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load worker %s: %w", id, err)
	}
	s.Disable()
	if res := s.Stop(ctx); !res.OK {
		return fmt.Errorf("stop worker %s: %w", id, res.Err)
	}

	r.mu.Lock()
	delete(r.sups, id)
	r.mu.Unlock()
	metrics.Forget(id)

	if rec.Directory != "" {
		if err := os.RemoveAll(rec.Directory); err != nil {
			return fmt.Errorf("remove worker directory: %w", err)
		}
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete worker record: %w", err)
	}
	r.history.Record(history.Event{Type: history.EventDelete, WorkerID: id, Name: rec.Name, Status: string(store.StatusStopped)})
	r.log.Info("worker decommissioned", "worker", id)
	return nil
}

// Shutdown terminates every child while keeping "running" as the desired
// state, then waits for background work or ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(r.sups))
	for _, s := range r.sups {
		sups = append(sups, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sups {
		s.Disable()
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			if res := s.Halt(ctx); !res.OK {
				r.log.Warn("shutdown stop failed", "worker", s.ID(), "code", res.Code, "error", res.Err)
			}
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		r.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until background starts and stops have finished or timeout.
func (r *Registry) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Registry) async(op, id string, fn func()) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("background worker operation panicked", "op", op, "worker", id, "panic", p)
			}
		}()
		fn()
	}()
}
