package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of one worker process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Children   int       `json:"children"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory figures for pid. Usage is reported only; nothing
// is enforced from it.
func Sample(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	u := Usage{PID: int32(pid), Timestamp: time.Now()} // #nosec G115
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u.RSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if kids, err := proc.ChildrenWithContext(ctx); err == nil {
		u.Children = len(kids)
	}
	return u, nil
}

// Collector periodically samples live workers and publishes the gauges.
type Collector struct {
	interval time.Duration
	live     func() map[string]int // worker id -> pid
}

func NewCollector(interval time.Duration, live func() map[string]int) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{interval: interval, live: live}
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	live := c.live()
	SetRunning(len(live))
	for id, pid := range live {
		if u, err := Sample(ctx, pid); err == nil {
			SetUsage(id, u)
		}
	}
}
