// Package jsonfile stores worker records in a single JSON document mapping
// id to record, the layout used by config.json deployments.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/botvisor/internal/store"
)

type File struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*File, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty json store path")
	}
	return &File{path: p}, nil
}

// EnsureSchema creates the parent directory and an empty document when missing.
func (f *File) EnsureSchema(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return err
	}
	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return f.save(map[string]store.Record{})
	}
	return nil
}

func (f *File) Get(_ context.Context, id string) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return store.Record{}, err
	}
	rec, ok := all[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

func (f *File) Put(_ context.Context, rec store.Record) error {
	if rec.ID == "" {
		return errors.New("record without id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	all[rec.ID] = rec
	return f.save(all)
}

func (f *File) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := all[id]; !ok {
		return nil
	}
	delete(all, id)
	return f.save(all)
}

func (f *File) List(context.Context) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]store.Record, 0, len(all))
	for id, rec := range all {
		if rec.ID == "" {
			rec.ID = id
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *File) Close() error { return nil }

func (f *File) load() (map[string]store.Record, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]store.Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	all := map[string]store.Record{}
	if len(strings.TrimSpace(string(b))) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return all, nil
}

// save writes to a temp file and renames it over the document.
func (f *File) save(all map[string]store.Record) error {
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".store-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
