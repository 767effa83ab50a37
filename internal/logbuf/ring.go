// Package logbuf keeps the most recent output lines of a worker in memory.
package logbuf

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the number of lines retained when none is configured.
const DefaultCapacity = 500

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Entry is one captured line.
type Entry struct {
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
	Stream Stream    `json:"stream"`
	Line   string    `json:"line"`
}

// String renders the entry as "[STDOUT] line".
func (e Entry) String() string {
	tag := "STDOUT"
	if e.Stream == Stderr {
		tag = "STDERR"
	}
	return fmt.Sprintf("[%s] %s", tag, e.Line)
}

// Ring is a bounded FIFO of entries safe for concurrent use.
// When full, the oldest entry is dropped.
type Ring struct {
	mu    sync.Mutex
	buf   []Entry
	start int
	n     int
	seq   uint64
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Entry, capacity)}
}

// Append stores line and returns its sequence number. Sequence numbers start at 1.
func (r *Ring) Append(stream Stream, line string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := Entry{Seq: r.seq, At: time.Now(), Stream: stream, Line: line}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
	} else {
		r.buf[r.start] = e
		r.start = (r.start + 1) % len(r.buf)
	}
	return r.seq
}

// Seq returns the sequence number of the latest entry, 0 if none.
func (r *Ring) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Snapshot returns up to limit of the newest entries, oldest first.
// A non-positive limit returns everything retained.
func (r *Ring) Snapshot(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.n
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]Entry, count)
	skip := r.n - count
	for i := 0; i < count; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

// Since returns retained entries with a sequence number greater than seq.
func (r *Ring) Since(seq uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for i := 0; i < r.n; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
