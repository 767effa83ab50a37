package logbuf

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldest(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		r.Append(Stdout, fmt.Sprintf("line %d", i))
	}
	require.Equal(t, 3, r.Len())
	got := r.Snapshot(0)
	require.Len(t, got, 3)
	assert.Equal(t, "line 3", got[0].Line)
	assert.Equal(t, "line 5", got[2].Line)
	assert.Equal(t, uint64(5), r.Seq())

	last := r.Snapshot(2)
	require.Len(t, last, 2)
	assert.Equal(t, "line 4", last[0].Line)
}

func TestRingDefaultCapacity(t *testing.T) {
	r := New(0)
	for i := 0; i < DefaultCapacity+20; i++ {
		r.Append(Stderr, "x")
	}
	assert.Equal(t, DefaultCapacity, r.Len())
}

func TestRingSince(t *testing.T) {
	r := New(10)
	r.Append(Stdout, "before")
	mark := r.Seq()
	r.Append(Stderr, "Traceback")
	r.Append(Stderr, "ValueError: boom")

	got := r.Since(mark)
	require.Len(t, got, 2)
	assert.Equal(t, Stderr, got[0].Stream)
	assert.Equal(t, "ValueError: boom", got[1].Line)
	assert.Empty(t, r.Since(r.Seq()))
}

func TestEntryString(t *testing.T) {
	r := New(2)
	r.Append(Stderr, "oops")
	s := r.Snapshot(1)[0].String()
	assert.Equal(t, "[STDERR] oops", s)
}

func TestRingConcurrentAppend(t *testing.T) {
	r := New(100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Append(Stdout, "l")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(400), r.Seq())
	assert.Equal(t, 100, r.Len())
}
