package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/botvisor/internal/entrypoint"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/logbuf"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/store"
)

const (
	storeTimeout    = 5 * time.Second
	maxCrashStderr  = 1000
	startupExitWait = 2 * time.Second
)

// Supervisor owns at most one child process for one worker. All lifecycle
// calls are serialized; the monitor goroutine is the only caller of Wait.
type Supervisor struct {
	id     string
	store  store.Store
	opts   Options
	log    *slog.Logger
	events *slog.Logger // per-worker lifecycle file, nil when disabled
	ring   *logbuf.Ring

	// group signal senders; replaced in tests
	sigterm func(pid int) error
	sigkill func(pid int) error

	op sync.Mutex // serializes Start, Stop, Restart and automatic restarts

	mu        sync.Mutex
	cur       *run
	startedAt time.Time
	restarts  int
	lastExit  *int
	pending   *pendingRestart
	disabled  bool
}

type pendingRestart struct {
	cancel context.CancelFunc
}

// New returns a supervisor for the worker id stored in st. Nothing is spawned.
func New(id string, st store.Store, opts Options) *Supervisor {
	opts = opts.withDefaults()
	s := &Supervisor{
		id:    id,
		store: st,
		opts:  opts,
		log:   opts.Logger.With("worker", id),
		ring:  logbuf.New(opts.LogLines),

		sigterm: terminate,
		sigkill: kill,
	}
	if opts.Logs.File.Dir != "" {
		s.events = opts.Logs.NewProcessLogger(id)
	}
	return s
}

func (s *Supervisor) ID() string { return s.id }

// Start spawns the worker if it is not already running.
func (s *Supervisor) Start(ctx context.Context) Result {
	s.op.Lock()
	defer s.op.Unlock()
	return s.start(ctx, false)
}

// Stop terminates the worker's process group, escalating to SIGKILL after the
// stop timeout, and persists the stopped state.
func (s *Supervisor) Stop(ctx context.Context) Result {
	s.op.Lock()
	defer s.op.Unlock()
	return s.stop(ctx, store.StatusStopped)
}

// Halt terminates the child like Stop but records the desired state so the
// worker is resumed on the next host start. Live workers and crashed workers
// with auto-restart enabled are recorded as running.
func (s *Supervisor) Halt(ctx context.Context) Result {
	s.op.Lock()
	defer s.op.Unlock()
	rec, err := s.store.Get(ctx, s.id)
	if err != nil {
		return s.fail(ctx, err)
	}
	desired := store.StatusStopped
	// a crashed worker waiting out its cooldown still wants to run
	if rec.Status.Live() || (rec.Status == store.StatusCrashed && rec.AutoRestart) {
		desired = store.StatusRunning
	}
	return s.stop(ctx, desired)
}

// Restart stops a live child, pauses briefly, then starts again.
func (s *Supervisor) Restart(ctx context.Context) Result {
	s.op.Lock()
	defer s.op.Unlock()
	if s.Live() {
		if res := s.stop(ctx, store.StatusStopped); !res.OK && res.Code != CodeAlreadyStopped {
			return res
		}
		if s.opts.RestartPause > 0 {
			t := time.NewTimer(s.opts.RestartPause)
			select {
			case <-ctx.Done():
				t.Stop()
				return s.fail(ctx, ctx.Err())
			case <-t.C:
			}
		}
	}
	return s.start(ctx, false)
}

// Disable prevents any further automatic restart. Used before deletion.
func (s *Supervisor) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
	s.cancelPendingLocked()
}

// SetAutoRestart updates the stored restart policy. Turning it off cancels a
// restart that is already scheduled.
func (s *Supervisor) SetAutoRestart(ctx context.Context, on bool) (Snapshot, error) {
	s.mu.Lock()
	rec, err := s.persistLocked(func(r *store.Record) { r.AutoRestart = on })
	if err == nil && !on {
		s.cancelPendingLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return Snapshot{ID: s.id}, err
	}
	return s.snapshot(ctx, rec), nil
}

// Live reports whether a child process is currently owned.
func (s *Supervisor) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// PID returns the live child's pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.pid
}

// Uptime returns the time elapsed since the most recent start, live or not.
// It reports false only when the worker has never been started.
func (s *Supervisor) Uptime() (time.Duration, bool) {
	s.mu.Lock()
	cur, started := s.cur, s.startedAt
	s.mu.Unlock()
	if cur == nil || started.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		rec, err := s.store.Get(ctx, s.id)
		if err != nil || rec.StartTime.IsZero() {
			return 0, false
		}
		started = rec.StartTime
	}
	return time.Since(started), true
}

// UptimeString renders Uptime as "Xh Ym Zs", or "N/A" when never started.
func (s *Supervisor) UptimeString() string {
	d, ok := s.Uptime()
	if !ok {
		return "N/A"
	}
	return FormatUptime(d)
}

// Logs returns up to limit recent output lines, oldest first, one per line
// in the "[STREAM] text" form.
func (s *Supervisor) Logs(limit int) string {
	entries := s.ring.Snapshot(limit)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// LogEntries is Logs without formatting.
func (s *Supervisor) LogEntries(limit int) []logbuf.Entry { return s.ring.Snapshot(limit) }

// Status combines the stored record with live process information.
func (s *Supervisor) Status(ctx context.Context) (Snapshot, error) {
	rec, err := s.store.Get(ctx, s.id)
	if err != nil {
		return Snapshot{ID: s.id, Status: store.StatusError, Uptime: "N/A"}, err
	}
	return s.snapshot(ctx, rec), nil
}

func (s *Supervisor) snapshot(ctx context.Context, rec store.Record) Snapshot {
	s.mu.Lock()
	cur := s.cur
	started := s.startedAt
	snap := Snapshot{
		ID:           rec.ID,
		Name:         rec.Name,
		Status:       rec.Status,
		PID:          rec.PID,
		AutoRestart:  rec.AutoRestart,
		StartTime:    rec.StartTime,
		Uptime:       "N/A",
		Restarts:     s.restarts,
		LastExitCode: s.lastExit,
		LogLines:     s.ring.Len(),
	}
	s.mu.Unlock()
	if cur == nil {
		snap.PID = 0
		snap.setUptime(rec.StartTime)
		return snap
	}
	snap.PID = cur.pid
	snap.setUptime(started)
	if u, err := metrics.Sample(ctx, cur.pid); err == nil {
		snap.CPUPercent = u.CPUPercent
		snap.MemoryRSS = u.RSS
	}
	return snap
}

func (s *Supervisor) start(ctx context.Context, auto bool) Result {
	begin := time.Now()
	if s.Live() {
		return s.result(ctx, false, CodeAlreadyRunning, "worker is already running", ErrAlreadyRunning)
	}
	rec, err := s.store.Get(ctx, s.id)
	if err != nil {
		return s.fail(ctx, err)
	}
	if !auto {
		s.mu.Lock()
		s.cancelPendingLocked()
		s.restarts = 0
		s.disabled = false
		s.mu.Unlock()
	}

	entry, err := s.locateEntry(rec.Directory)
	if err != nil {
		s.mu.Lock()
		_, _ = s.persistLocked(func(r *store.Record) {
			r.Status = store.StatusError
			r.PID = 0
		})
		s.mu.Unlock()
		s.record(history.Event{Type: history.EventError, Name: rec.Name, Status: string(store.StatusError), Message: err.Error()})
		s.logEvent(slog.LevelError, "entry point missing", "dir", rec.Directory, "error", err)
		return s.result(ctx, false, CodeEntryPointMissing, err.Error(), err)
	}

	r, err := s.spawn(rec, entry)
	if err != nil {
		s.mu.Lock()
		_, _ = s.persistLocked(func(r *store.Record) {
			r.Status = store.StatusError
			r.PID = 0
		})
		s.mu.Unlock()
		s.record(history.Event{Type: history.EventError, Name: rec.Name, Status: string(store.StatusError), Message: err.Error()})
		s.logEvent(slog.LevelError, "spawn failed", "error", err)
		return s.result(ctx, false, CodeSpawnFailed, err.Error(), err)
	}

	s.mu.Lock()
	s.cur = r
	s.startedAt = r.started
	_, _ = s.persistLocked(func(rec *store.Record) {
		rec.Status = store.StatusStarting
		rec.PID = r.pid
		rec.StartTime = r.started.UTC()
	})
	s.mu.Unlock()

	go s.capture(r, r.stdout, logbuf.Stdout, r.mirrorOut)
	go s.capture(r, r.stderr, logbuf.Stderr, r.mirrorErr)
	go s.monitor(r)

	grace := time.NewTimer(s.opts.GraceWindow)
	defer grace.Stop()
	select {
	case <-r.done:
		return s.startupExit(ctx, r)
	case <-grace.C:
	}

	s.mu.Lock()
	if r.exited {
		s.mu.Unlock()
		select {
		case <-r.done:
		case <-time.After(startupExitWait):
		}
		return s.startupExit(ctx, r)
	}
	_, _ = s.persistLocked(func(rec *store.Record) { rec.Status = store.StatusRunning })
	s.mu.Unlock()

	metrics.IncStart(s.id)
	metrics.ObserveStartDuration(s.id, time.Since(begin).Seconds())
	s.record(history.Event{Type: history.EventStart, Name: rec.Name, PID: r.pid, Status: string(store.StatusRunning)})
	s.logEvent(slog.LevelInfo, "worker started", "pid", r.pid, "entry", entry, "auto", auto)
	return s.result(ctx, true, CodeStarted, fmt.Sprintf("worker started with pid %d", r.pid), nil)
}

// startupExit reports a child that ended inside the grace window. The monitor
// has already persisted the outcome.
func (s *Supervisor) startupExit(ctx context.Context, r *run) Result {
	s.mu.Lock()
	info := r.info
	s.mu.Unlock()
	if info.clean {
		msg := fmt.Sprintf("worker exited immediately with code %d", info.code)
		return s.result(ctx, false, CodeExited, msg, &ExitError{Code: info.code, Signal: info.signal})
	}
	stderr := s.stderrSince(r.mark, maxCrashStderr)
	xerr := &ExitError{Code: info.code, Signal: info.signal, Stderr: stderr}
	msg := "worker crashed during startup: " + xerr.Error()
	if stderr != "" {
		msg += "\n" + stderr
	}
	return s.result(ctx, false, CodeCrashed, msg, xerr)
}

func (s *Supervisor) stop(ctx context.Context, final store.Status) Result {
	s.mu.Lock()
	s.cancelPendingLocked()
	r := s.cur
	if r != nil && r.exited {
		r = nil
	}
	if r != nil {
		r.stopping = true
	}
	s.mu.Unlock()

	if r == nil {
		rec, err := s.store.Get(ctx, s.id)
		if err != nil {
			return s.fail(ctx, err)
		}
		// a crashed worker waiting for its cooldown, or a stale live record
		if rec.Status != final && (rec.Status == store.StatusCrashed || rec.Status.Live()) {
			s.mu.Lock()
			_, _ = s.persistLocked(func(rec *store.Record) {
				rec.Status = final
				rec.PID = 0
			})
			s.mu.Unlock()
		}
		return s.result(ctx, true, CodeAlreadyStopped, "worker is not running", ErrAlreadyStopped)
	}

	if err := s.sigterm(r.pid); err != nil {
		if res, failed := s.abortStop(ctx, r, "SIGTERM", err); failed {
			return res
		}
	} else if !waitDone(r, s.opts.StopTimeout) {
		s.logEvent(slog.LevelWarn, "worker did not exit after SIGTERM, sending SIGKILL", "pid", r.pid, "timeout", s.opts.StopTimeout)
		kids := descendants(context.Background(), r.pid)
		err := s.sigkill(r.pid)
		killPIDs(kids)
		metrics.IncKill(s.id)
		if err != nil {
			if res, failed := s.abortStop(ctx, r, "SIGKILL", err); failed {
				return res
			}
		} else if !waitDone(r, s.opts.StopTimeout) {
			if res, failed := s.abortStop(ctx, r, "SIGKILL", errors.New("worker still alive")); failed {
				return res
			}
		}
	}

	s.mu.Lock()
	rec, _ := s.persistLocked(func(rec *store.Record) {
		rec.Status = final
		rec.PID = 0
	})
	s.mu.Unlock()
	metrics.IncStop(s.id)
	s.record(history.Event{Type: history.EventStop, Name: rec.Name, PID: r.pid, Status: string(final), ExitCode: r.info.code})
	s.logEvent(slog.LevelInfo, "worker stopped", "pid", r.pid)
	return s.result(ctx, true, CodeStopped, "worker stopped", nil)
}

// abortStop gives up on a stop whose signal could not be delivered. The child
// stays owned and monitored. If it exited meanwhile the stop proceeds.
func (s *Supervisor) abortStop(ctx context.Context, r *run, sig string, err error) (Result, bool) {
	s.mu.Lock()
	exited := r.exited
	if !exited {
		r.stopping = false
	}
	s.mu.Unlock()
	if exited {
		<-r.done
		return Result{}, false
	}
	err = fmt.Errorf("send %s to worker: %w", sig, err)
	s.logEvent(slog.LevelError, "stop failed", "pid", r.pid, "error", err)
	s.record(history.Event{Type: history.EventError, Status: string(store.StatusRunning), PID: r.pid, Message: err.Error()})
	return s.result(ctx, false, CodeFailed, err.Error(), err), true
}

func waitDone(r *run, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.done:
		return true
	case <-t.C:
		return false
	}
}

func (s *Supervisor) locateEntry(dir string) (string, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: directory %q", ErrEntryPointMissing, dir)
	}
	entry, err := entrypoint.Find(dir, s.opts.Policy)
	if err != nil {
		if errors.Is(err, entrypoint.ErrNotFound) {
			return "", fmt.Errorf("%w: no script in %q", ErrEntryPointMissing, dir)
		}
		return "", err
	}
	return entry, nil
}

func (s *Supervisor) spawn(rec store.Record, entry string) (*run, error) {
	cmd := exec.Command(s.opts.Interpreter, entry) // #nosec G204 -- interpreter comes from host config
	cmd.Dir = rec.Directory
	cmd.Env = s.opts.Env.Worker(s.opts.TokenEnv, rec.Token)
	cmd.SysProcAttr = sysProcAttr()

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Interpreter: s.opts.Interpreter, Entry: entry, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, &SpawnError{Interpreter: s.opts.Interpreter, Entry: entry, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	mark := s.ring.Seq()
	err = cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, &SpawnError{Interpreter: s.opts.Interpreter, Entry: entry, Err: err}
	}

	r := &run{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		mark:    mark,
		stdout:  outR,
		stderr:  errR,
		done:    make(chan struct{}),
	}
	r.capturing.Add(2)
	if s.opts.Logs.File.Dir != "" {
		if o, e, err := s.opts.Logs.ProcessWriters(s.id); err == nil {
			r.mirrorOut, r.mirrorErr = o, e
		} else {
			s.log.Warn("worker log files unavailable", "error", err)
		}
	}
	return r, nil
}

// scheduleRestart waits out the cooldown for a crashed run and starts the
// worker again if its record still asks for it.
func (s *Supervisor) scheduleRestart(ranFor time.Duration) {
	rec, err := s.store.Get(context.Background(), s.id)
	if err != nil || !rec.AutoRestart {
		return
	}

	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return
	}
	if ranFor >= s.opts.MaxCooldown {
		s.restarts = 0
	}
	if s.opts.MaxRestarts > 0 && s.restarts >= s.opts.MaxRestarts {
		n := s.restarts
		s.mu.Unlock()
		s.logEvent(slog.LevelWarn, "restart limit reached, leaving worker crashed", "restarts", n)
		s.record(history.Event{Type: history.EventError, Name: rec.Name, Status: string(store.StatusCrashed),
			Message: fmt.Sprintf("restart limit %d reached", s.opts.MaxRestarts)})
		return
	}
	delay := s.cooldownLocked()
	pctx, cancel := context.WithCancel(context.Background())
	p := &pendingRestart{cancel: cancel}
	s.cancelPendingLocked()
	s.pending = p
	s.mu.Unlock()
	defer cancel()

	s.log.Info("scheduling restart", "cooldown", delay)
	t := time.NewTimer(delay)
	select {
	case <-pctx.Done():
		t.Stop()
		return
	case <-t.C:
	}

	s.op.Lock()
	defer s.op.Unlock()
	s.mu.Lock()
	if s.pending != p || pctx.Err() != nil || s.disabled {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	// the record may have been stopped or edited during the cooldown
	rec, err = s.store.Get(context.Background(), s.id)
	if err != nil || rec.Status != store.StatusCrashed || !rec.AutoRestart {
		return
	}
	metrics.IncRestart(s.id)
	s.record(history.Event{Type: history.EventRestart, Name: rec.Name, Status: string(rec.Status),
		Message: fmt.Sprintf("automatic restart %d", attempt)})
	s.logEvent(slog.LevelInfo, "restarting crashed worker", "attempt", attempt)
	if res := s.start(context.Background(), true); !res.OK {
		s.log.Warn("automatic restart failed", "code", res.Code, "error", res.Err)
	}
}

func (s *Supervisor) cooldownLocked() time.Duration {
	d := s.opts.RestartCooldown
	if !s.opts.Backoff {
		return d
	}
	for i := 0; i < s.restarts && d < s.opts.MaxCooldown; i++ {
		d *= 2
	}
	return min(d, s.opts.MaxCooldown)
}

func (s *Supervisor) cancelPendingLocked() {
	if s.pending != nil {
		s.pending.cancel()
		s.pending = nil
	}
}

// persistLocked applies fn to the stored record. Callers hold s.mu so state
// writes from Start, Stop and the monitor land in order.
func (s *Supervisor) persistLocked(fn func(*store.Record)) (store.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	var from store.Status
	rec, err := store.Update(ctx, s.store, s.id, func(r *store.Record) {
		from = r.Status
		fn(r)
	})
	if err != nil {
		s.log.Error("failed to persist worker state", "error", err)
		return rec, err
	}
	if from != rec.Status {
		metrics.RecordStateTransition(s.id, string(from), string(rec.Status))
	}
	return rec, nil
}

func (s *Supervisor) stderrSince(mark uint64, limit int) string {
	var b strings.Builder
	for _, e := range s.ring.Since(mark) {
		if e.Stream != logbuf.Stderr {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Line)
		if b.Len() >= limit {
			break
		}
	}
	out := b.String()
	if len(out) > limit {
		out = strings.ToValidUTF8(out[:limit], "")
	}
	return out
}

func (s *Supervisor) result(ctx context.Context, ok bool, code Code, msg string, err error) Result {
	res := Result{OK: ok, Code: code, Message: msg, Err: err}
	if rec, gerr := s.store.Get(ctx, s.id); gerr == nil {
		res.Status = s.snapshot(ctx, rec)
	} else {
		res.Status = Snapshot{ID: s.id, Uptime: "N/A"}
	}
	return res
}

func (s *Supervisor) fail(ctx context.Context, err error) Result {
	return s.result(ctx, false, CodeFailed, err.Error(), err)
}

func (s *Supervisor) record(e history.Event) {
	e.WorkerID = s.id
	s.opts.History.Record(e)
}

func (s *Supervisor) logEvent(level slog.Level, msg string, args ...any) {
	s.log.Log(context.Background(), level, msg, args...)
	if s.events != nil {
		s.events.Log(context.Background(), level, msg, args...)
	}
}
