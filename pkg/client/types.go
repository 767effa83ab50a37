package client

import "time"

// Worker is the persisted record of a hosted worker. Token is always redacted by the server.
type Worker struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Token       string    `json:"token"`
	Directory   string    `json:"directory"`
	Status      string    `json:"status"`
	PID         int       `json:"pid,omitempty"`
	StartTime   time.Time `json:"start_time,omitzero"`
	AutoRestart bool      `json:"auto_restart"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	AutoRestart   bool      `json:"auto_restart"`
	StartTime     time.Time `json:"start_time,omitzero"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Restarts      int       `json:"restarts"`
	LastExitCode  *int      `json:"last_exit_code,omitempty"`
	LogLines      int       `json:"log_lines"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	MemoryRSS     uint64    `json:"memory_rss,omitempty"`
}

// WorkerDetail is returned by GET /workers/:id.
type WorkerDetail struct {
	Worker Worker       `json:"worker"`
	Status WorkerStatus `json:"status"`
	Size   int64        `json:"size"`
}

// Result is the outcome of start, stop and restart.
type Result struct {
	OK      bool         `json:"ok"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Status  WorkerStatus `json:"status"`
}

// DeployResult is returned by POST /workers.
type DeployResult struct {
	Worker Worker  `json:"worker"`
	Start  *Result `json:"start,omitempty"`
}

// LogLine is one captured output line.
type LogLine struct {
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
	Stream string    `json:"stream"`
	Line   string    `json:"line"`
}

type Logs struct {
	ID    string    `json:"id"`
	Lines []LogLine `json:"lines"`
	Text  string    `json:"text"`
}

// FileEntry describes one item of a worker directory listing.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type Backup struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	WorkerID  string    `json:"worker_id"`
	CreatedAt time.Time `json:"created_at"`
	Archived  bool      `json:"archived"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest,omitempty"`
}

type System struct {
	TotalWorkers   int     `json:"total_workers"`
	RunningWorkers int     `json:"running_workers"`
	TotalSize      int64   `json:"total_size"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// DeployRequest uploads a script or zip archive. Token may be empty when the
// upload contains one.
type DeployRequest struct {
	Filename string
	Name     string
	Token    string
	NoStart  bool
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
