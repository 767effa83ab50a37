package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/botvisor/internal/entrypoint"
	"github.com/loykin/botvisor/internal/store"
)

var (
	// ErrEntryPointMissing is returned when the worker directory is missing or
	// holds no runnable script. It wraps entrypoint.ErrNotFound.
	ErrEntryPointMissing = fmt.Errorf("entry point missing: %w", entrypoint.ErrNotFound)
	ErrAlreadyRunning    = errors.New("worker already running")
	ErrAlreadyStopped    = errors.New("worker already stopped")
)

// SpawnError reports that the interpreter could not be started.
type SpawnError struct {
	Interpreter string
	Entry       string
	Err         error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s %s: %v", e.Interpreter, e.Entry, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError describes a child that ended unexpectedly.
type ExitError struct {
	Code   int
	Signal string
	Stderr string // bounded prefix of what the child wrote to stderr
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("worker killed by %s", e.Signal)
	}
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

// Code classifies the outcome of a lifecycle call.
type Code string

const (
	CodeStarted           Code = "started"
	CodeAlreadyRunning    Code = "already_running"
	CodeStopped           Code = "stopped"
	CodeAlreadyStopped    Code = "already_stopped"
	CodeEntryPointMissing Code = "entry_point_missing"
	CodeSpawnFailed       Code = "spawn_failed"
	CodeCrashed           Code = "crashed"
	CodeExited            Code = "exited"
	CodeFailed            Code = "failed"
)

// Result is returned by Start, Stop and Restart. Err carries the typed cause
// when OK is false or the call was a no-op.
type Result struct {
	OK      bool     `json:"ok"`
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Status  Snapshot `json:"status"`
	Err     error    `json:"-"`
}

// Snapshot is a point-in-time view of one worker.
type Snapshot struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Status        store.Status `json:"status"`
	PID           int          `json:"pid,omitempty"`
	AutoRestart   bool         `json:"auto_restart"`
	StartTime     time.Time    `json:"start_time,omitzero"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Restarts      int          `json:"restarts"`
	LastExitCode  *int         `json:"last_exit_code,omitempty"`
	LogLines      int          `json:"log_lines"`
	CPUPercent    float64      `json:"cpu_percent,omitempty"`
	MemoryRSS     uint64       `json:"memory_rss,omitempty"`
}

// FormatUptime renders d as "Xh Ym Zs".
func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%dh %dm %ds", h, m, sec)
}

// FromRecord builds a snapshot for a worker without a live supervisor.
func FromRecord(rec store.Record) Snapshot {
	snap := Snapshot{
		ID:          rec.ID,
		Name:        rec.Name,
		Status:      rec.Status,
		AutoRestart: rec.AutoRestart,
		StartTime:   rec.StartTime,
		Uptime:      "N/A",
	}
	snap.setUptime(rec.StartTime)
	return snap
}

// setUptime fills the uptime fields from the most recent start. A zero start
// means the worker never ran and leaves "N/A".
func (s *Snapshot) setUptime(started time.Time) {
	if started.IsZero() {
		return
	}
	d := time.Since(started)
	s.Uptime = FormatUptime(d)
	s.UptimeSeconds = d.Seconds()
}
