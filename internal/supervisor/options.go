package supervisor

import (
	"log/slog"
	"time"

	"github.com/loykin/botvisor/internal/entrypoint"
	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/logbuf"
	"github.com/loykin/botvisor/internal/logger"
)

// Options configures every Supervisor created by a registry.
type Options struct {
	Interpreter     string
	TokenEnv        string
	GraceWindow     time.Duration
	StopTimeout     time.Duration
	RestartCooldown time.Duration
	RestartPause    time.Duration
	PollTimeout     time.Duration
	LogLines        int
	// MaxRestarts caps consecutive automatic restarts; 0 means unlimited.
	MaxRestarts int
	// Backoff doubles the cooldown after each consecutive crash, up to MaxCooldown.
	Backoff     bool
	MaxCooldown time.Duration

	Policy  entrypoint.Policy
	Env     *env.Env
	Logs    logger.Config // per-worker output mirrors; zero value disables them
	Logger  *slog.Logger
	History *history.Recorder
}

// DefaultOptions returns the baseline policy: python3, BOT_TOKEN, 500ms grace,
// 5s stop timeout, fixed 5s cooldown with unlimited restarts.
func DefaultOptions() Options {
	return Options{
		Interpreter:     "python3",
		TokenEnv:        "BOT_TOKEN",
		GraceWindow:     500 * time.Millisecond,
		StopTimeout:     5 * time.Second,
		RestartCooldown: 5 * time.Second,
		RestartPause:    time.Second,
		PollTimeout:     100 * time.Millisecond,
		LogLines:        logbuf.DefaultCapacity,
		MaxCooldown:     5 * time.Minute,
		Policy:          entrypoint.DefaultPolicy(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Interpreter == "" {
		o.Interpreter = d.Interpreter
	}
	if o.TokenEnv == "" {
		o.TokenEnv = d.TokenEnv
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = d.GraceWindow
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.RestartCooldown <= 0 {
		o.RestartCooldown = d.RestartCooldown
	}
	if o.RestartPause < 0 {
		o.RestartPause = 0
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.LogLines <= 0 {
		o.LogLines = d.LogLines
	}
	if o.MaxCooldown <= 0 {
		o.MaxCooldown = d.MaxCooldown
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
