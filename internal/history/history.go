package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventDeploy  EventType = "deploy"
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventExit    EventType = "exit"
	EventCrash   EventType = "crash"
	EventRestart EventType = "restart"
	EventError   EventType = "error"
	EventBackup  EventType = "backup"
	EventDelete  EventType = "delete"
)

// Event represents a worker lifecycle event exported to external systems.
// Credentials are never part of an event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	WorkerID   string    `json:"worker_id"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks without blocking the caller.
// A nil *Recorder discards events.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: 5 * time.Second}
}

// Record stamps e if needed and delivers it to every sink in the background.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "event", e.Type, "worker", e.WorkerID, "error", err)
			}
		}(s)
	}
}

// Flush waits for in-flight deliveries.
func (r *Recorder) Flush() {
	if r != nil {
		r.wg.Wait()
	}
}

// Close flushes and closes sinks that hold resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.Flush()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
