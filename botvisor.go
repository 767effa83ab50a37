// Package botvisor hosts bot worker scripts: it supervises one interpreter
// process per worker and exposes deploy, lifecycle, log, file and backup
// operations over HTTP.
package botvisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botvisor/internal/backup"
	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/deploy"
	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/health"
	"github.com/loykin/botvisor/internal/history"
	hfactory "github.com/loykin/botvisor/internal/history/factory"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/registry"
	"github.com/loykin/botvisor/internal/server"
	"github.com/loykin/botvisor/internal/store"
	sfactory "github.com/loykin/botvisor/internal/store/factory"
	"github.com/loykin/botvisor/internal/supervisor"
	itls "github.com/loykin/botvisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Snapshot = supervisor.Snapshot

type Result = supervisor.Result

type Record = store.Record

// LoadConfig reads a TOML config file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

const shutdownTimeout = 15 * time.Second

// Host owns every long-lived component of a running service.
type Host struct {
	cfg       *Config
	log       *slog.Logger
	store     store.Store
	history   *history.Recorder
	registry  *registry.Registry
	installer *deploy.Installer
	backups   *backup.Manager
	scheduler *backup.Scheduler
	router    *server.Router
	health    *health.Server

	mu       sync.Mutex
	started  bool
	closed   bool
	servers  []*http.Server
	addrs    map[string]string
	cancel   context.CancelFunc
	bg       sync.WaitGroup
	serveErr chan error
}

// Option customises Open.
type Option func(*Host)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.log = l } }

// Open builds the host from cfg: store, history sinks, registry, installer,
// backups and both HTTP handlers. Nothing is started until Start.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{cfg: cfg, addrs: make(map[string]string), serveErr: make(chan error, 2)}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = cfg.Logger().NewSlogger()
	}
	for _, dir := range []string{cfg.WorkersDir, cfg.BackupsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	h.store = st

	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	h.history = history.NewRecorder(h.log, sinks...)

	workerEnv := env.FromList(cfg.Env)
	s := cfg.Supervisor
	h.registry = registry.New(st, registry.NewFactory(supervisor.Options{
		Interpreter:     s.Interpreter,
		TokenEnv:        s.TokenEnv,
		GraceWindow:     s.GraceWindow,
		StopTimeout:     s.StopTimeout,
		RestartCooldown: s.RestartCooldown,
		RestartPause:    s.RestartPause,
		PollTimeout:     s.PollTimeout,
		LogLines:        s.LogLines,
		MaxRestarts:     s.MaxRestarts,
		Backoff:         s.Backoff,
		MaxCooldown:     s.MaxCooldown,
		Policy:          cfg.Entrypoint,
		Env:             workerEnv,
		Logs:            cfg.Logger(),
		Logger:          h.log,
		History:         h.history,
	}), h.log, registry.WithHistory(h.history))

	h.installer = deploy.New(cfg.WorkersDir, st,
		deploy.WithExtensions(cfg.Entrypoint.Extensions...),
		deploy.WithLogger(h.log),
		deploy.WithHistory(h.history))
	h.backups = backup.New(cfg.BackupsDir,
		backup.WithCompression(cfg.Backup.Compress),
		backup.WithLogger(h.log),
		backup.WithHistory(h.history))
	if cfg.Backup.Schedule != "" {
		h.scheduler, err = backup.NewScheduler(h.backups, st, cfg.Backup.Schedule, cfg.Backup.Keep, h.log)
		if err != nil {
			_ = h.history.Close()
			_ = st.Close()
			return nil, err
		}
	}
	h.router = server.NewRouter(server.Deps{
		Registry:   h.registry,
		Store:      st,
		Installer:  h.installer,
		Backups:    h.backups,
		WorkersDir: cfg.WorkersDir,
		BasePath:   cfg.Server.BasePath,
		AdminToken: cfg.Server.AdminToken,
		Logger:     h.log,
	})
	h.health = health.New(st, cfg.Health.Metrics, h.log)
	return h, nil
}

// Handler returns the management API handler, for embedding in another server.
func (h *Host) Handler() http.Handler { return h.router.Handler() }

// HealthHandler returns the /health and /metrics handler.
func (h *Host) HealthHandler() http.Handler { return h.health.Handler() }

func (h *Host) Registry() *registry.Registry { return h.registry }

func (h *Host) Logger() *slog.Logger { return h.log }

// Addr returns the bound address of "api" or "health" after Start.
func (h *Host) Addr(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addrs[name]
}

// Start registers metrics, resumes workers whose persisted state is live,
// binds the API and health listeners and starts the backup schedule.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return errors.New("host already started")
	}

	if h.cfg.Health.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	tlsCfg, err := itls.Setup(itls.Options{
		CertFile:     h.cfg.Server.CertFile,
		KeyFile:      h.cfg.Server.KeyFile,
		Dir:          h.cfg.Server.TLSDir,
		AutoGenerate: h.cfg.Server.TLSAutoGenerate,
		MinVersion:   h.cfg.Server.TLSMinVersion,
	})
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	n, err := h.registry.Resume(ctx)
	if err != nil {
		h.log.Warn("resume workers", "error", err)
	} else if n > 0 {
		h.log.Info("resuming workers", "count", n)
	}

	collector := metrics.NewCollector(h.cfg.Health.SampleInterval, h.registry.Live)
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		collector.Run(bgCtx)
	}()

	if err := h.listen("api", h.cfg.Server.Listen, server.NewServer(h.cfg.Server.Listen, h.Handler(), tlsCfg)); err != nil {
		cancel()
		return err
	}
	if h.cfg.Health.Listen != "" {
		srv := &http.Server{Addr: h.cfg.Health.Listen, Handler: h.HealthHandler(), ReadHeaderTimeout: 5 * time.Second}
		if err := h.listen("health", h.cfg.Health.Listen, srv); err != nil {
			cancel()
			h.closeServers(context.Background())
			return err
		}
	}
	if h.scheduler != nil {
		if err := h.scheduler.Start(); err != nil {
			h.log.Error("backup schedule", "error", err)
		}
	}
	h.started = true
	h.log.Info("botvisor started", "api", h.addrs["api"], "health", h.addrs["health"], "tls", tlsCfg != nil)
	return nil
}

// listen binds addr and serves srv in the background. Caller holds h.mu.
func (h *Host) listen(name, addr string, srv *http.Server) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", name, addr, err)
	}
	h.addrs[name] = ln.Addr().String()
	h.servers = append(h.servers, srv)
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		var err error
		if srv.TLSConfig != nil {
			err = srv.Serve(tls.NewListener(ln, srv.TLSConfig))
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("http server failed", "server", name, "error", err)
			select {
			case h.serveErr <- fmt.Errorf("%s server: %w", name, err):
			default:
			}
		}
	}()
	return nil
}

// Run starts the host and blocks until ctx is done or a listener fails,
// then shuts everything down.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		_ = h.Close(context.Background())
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-h.serveErr:
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, h.Close(sctx))
}

// Close stops the HTTP servers and the backup schedule, halts every worker
// (their persisted state is kept so the next Start resumes them), flushes
// history and closes the store.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.scheduler != nil {
		h.scheduler.Stop()
	}
	h.closeServers(ctx)
	if h.cancel != nil {
		h.cancel()
	}
	h.bg.Wait()

	var errs []error
	if err := h.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown workers: %w", err))
	}
	if err := h.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	h.servers = nil
	h.log.Info("botvisor stopped")
	return errors.Join(errs...)
}

func (h *Host) closeServers(ctx context.Context) {
	for _, srv := range h.servers {
		if err := srv.Shutdown(ctx); err != nil {
			h.log.Warn("http shutdown", "addr", srv.Addr, "error", err)
		}
	}
}
