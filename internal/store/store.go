package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("record not found")

// Status is the persisted lifecycle state of a worker.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
	StatusError    Status = "error"
)

// Live reports whether the status implies a child process should exist.
func (s Status) Live() bool { return s == StatusStarting || s == StatusRunning }

// Record is the persisted state of one hosted worker.
// PID is zero when no child exists; StartTime is zero before the first start.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Token       string    `json:"token"`
	Directory   string    `json:"directory"`
	Status      Status    `json:"status"`
	PID         int       `json:"pid,omitempty"`
	AutoRestart bool      `json:"auto_restart"`
	CreatedAt   time.Time `json:"created_at"`
	StartTime   time.Time `json:"start_time,omitzero"`
}

// UnmarshalJSON treats a missing auto_restart as true, matching records
// written before the flag existed.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	aux := struct {
		*plain
		AutoRestart *bool `json:"auto_restart"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.AutoRestart = aux.AutoRestart == nil || *aux.AutoRestart
	if r.Status == "" {
		r.Status = StatusStopped
	}
	return nil
}

// Redacted returns a copy with the token masked, for API output.
func (r Record) Redacted() Record {
	if len(r.Token) > 8 {
		r.Token = r.Token[:4] + "..." + r.Token[len(r.Token)-4:]
	} else if r.Token != "" {
		r.Token = "***"
	}
	return r
}

// Store persists worker records keyed by id.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, id string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Update applies fn to the stored record for id and writes it back.
func Update(ctx context.Context, s Store, id string, fn func(*Record)) (Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	fn(&rec)
	if err := s.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
