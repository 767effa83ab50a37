package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/logbuf"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/store"
)

const maxLineBytes = 64 << 10

// run is one spawned child. Fields below mu-guarded are read and written
// under Supervisor.mu.
type run struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time
	mark    uint64 // ring sequence before spawn

	stdout, stderr       *os.File
	mirrorOut, mirrorErr io.WriteCloser
	capturing            sync.WaitGroup

	// closed once the child was reaped, output drained and the outcome persisted
	done chan struct{}

	// mu-guarded
	stopping bool
	exited   bool
	info     exitInfo
}

type exitInfo struct {
	code   int
	signal string
	clean  bool
}

func (r *run) closeFiles() {
	_ = r.stdout.Close()
	_ = r.stderr.Close()
	if r.mirrorOut != nil {
		_ = r.mirrorOut.Close()
	}
	if r.mirrorErr != nil {
		_ = r.mirrorErr.Close()
	}
}

// capture reads one output stream line by line into the ring buffer. Lines
// longer than maxLineBytes are truncated. It returns on EOF or when the read
// deadline set by the monitor passes.
func (s *Supervisor) capture(r *run, f *os.File, stream logbuf.Stream, mirror io.Writer) {
	defer r.capturing.Done()
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("output capture panic", "stream", string(stream), "panic", p)
		}
	}()
	br := bufio.NewReaderSize(f, 4096)
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && len(line) < maxLineBytes {
			n := min(len(chunk), maxLineBytes-len(line))
			line = append(line, chunk[:n]...)
		}
		if err != nil {
			if len(line) > 0 {
				s.emit(stream, string(line), mirror)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, os.ErrClosed) {
				s.log.Debug("output capture ended", "stream", string(stream), "error", err)
			}
			return
		}
		if isPrefix {
			continue
		}
		if len(line) > 0 {
			s.emit(stream, string(line), mirror)
		}
		line = line[:0]
	}
}

func (s *Supervisor) emit(stream logbuf.Stream, line string, mirror io.Writer) {
	s.ring.Append(stream, line)
	if mirror != nil {
		_, _ = io.WriteString(mirror, line+"\n")
	}
}

// monitor reaps the child, drains its output and classifies the exit. Exit
// code 0, SIGTERM, SIGKILL and requested stops are clean; anything else is a
// crash and may schedule an automatic restart.
func (s *Supervisor) monitor(r *run) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("monitor panic", "pid", r.pid, "panic", p)
		}
	}()
	waitErr := r.cmd.Wait()
	deadline := time.Now().Add(s.opts.PollTimeout)
	_ = r.stdout.SetReadDeadline(deadline)
	_ = r.stderr.SetReadDeadline(deadline)
	r.capturing.Wait()
	r.closeFiles()

	info := classify(r.cmd.ProcessState, waitErr)
	ranFor := time.Since(r.started)

	s.mu.Lock()
	r.exited = true
	r.info = info
	if s.cur == r {
		s.cur = nil
	}
	code := info.code
	s.lastExit = &code
	stopping := r.stopping
	crashed := !stopping && !info.clean
	var rec store.Record
	if !stopping {
		status := store.StatusStopped
		if crashed {
			status = store.StatusCrashed
		}
		rec, _ = s.persistLocked(func(rec *store.Record) {
			rec.Status = status
			rec.PID = 0
		})
	}
	s.mu.Unlock()
	close(r.done)

	switch {
	case stopping:
		return
	case crashed:
		metrics.IncCrash(s.id)
		s.record(history.Event{Type: history.EventCrash, Name: rec.Name, PID: r.pid, Status: string(store.StatusCrashed),
			ExitCode: info.code, Message: (&ExitError{Code: info.code, Signal: info.signal}).Error()})
		s.logEvent(slog.LevelWarn, "worker crashed", "pid", r.pid, "exit_code", info.code, "signal", info.signal, "ran_for", ranFor.Round(time.Millisecond))
		s.scheduleRestart(ranFor)
	default:
		s.record(history.Event{Type: history.EventExit, Name: rec.Name, PID: r.pid, Status: string(store.StatusStopped), ExitCode: info.code})
		s.logEvent(slog.LevelInfo, "worker exited", "pid", r.pid, "exit_code", info.code, "signal", info.signal)
	}
}

// descendants lists every process below pid, depth first. Workers that
// daemonize leave their own session and escape the group signal.
func descendants(ctx context.Context, pid int) []int {
	p, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return nil
	}
	var out []int
	var walk func(p *process.Process, depth int)
	walk = func(p *process.Process, depth int) {
		if depth > 16 {
			return
		}
		kids, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, k := range kids {
			out = append(out, int(k.Pid))
			walk(k, depth+1)
		}
	}
	walk(p, 0)
	return out
}
