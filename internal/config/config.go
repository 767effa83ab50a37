package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botvisor/internal/entrypoint"
	"github.com/loykin/botvisor/internal/logger"
)

// EnvPrefix is the prefix of environment variables overriding file keys,
// e.g. BOTVISOR_SERVER_LISTEN for server.listen.
const EnvPrefix = "BOTVISOR"

// Config represents the top-level TOML structure.
type Config struct {
	WorkersDir string   `mapstructure:"workers_dir"`
	BackupsDir string   `mapstructure:"backups_dir"`
	Env        []string `mapstructure:"env"`
	EnvFiles   []string `mapstructure:"env_files"`

	Store      StoreConfig       `mapstructure:"store"`
	Supervisor SupervisorConfig  `mapstructure:"supervisor"`
	Entrypoint entrypoint.Policy `mapstructure:"entrypoint"`
	Log        LogConfig         `mapstructure:"log"`
	Server     ServerConfig      `mapstructure:"server"`
	Health     HealthConfig      `mapstructure:"health"`
	History    HistoryConfig     `mapstructure:"history"`
	Backup     BackupConfig      `mapstructure:"backup"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SupervisorConfig struct {
	Interpreter     string        `mapstructure:"interpreter"`
	TokenEnv        string        `mapstructure:"token_env"`
	GraceWindow     time.Duration `mapstructure:"grace_window"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
	RestartPause    time.Duration `mapstructure:"restart_pause"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	LogLines        int           `mapstructure:"log_lines"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	Backoff         bool          `mapstructure:"backoff"`
	MaxCooldown     time.Duration `mapstructure:"max_cooldown"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	WorkerDir  string `mapstructure:"worker_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`
	BasePath   string `mapstructure:"base_path"`
	AdminToken string `mapstructure:"admin_token"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	// TLSDir holds tls.crt/tls.key when no explicit files are given.
	TLSDir          string `mapstructure:"tls_dir"`
	TLSAutoGenerate bool   `mapstructure:"tls_auto_generate"`
	TLSMinVersion   string `mapstructure:"tls_min_version"`
	// PidFile and LogFile are used by "serve --daemonize".
	PidFile string `mapstructure:"pidfile"`
	LogFile string `mapstructure:"logfile"`
}

type HealthConfig struct {
	Listen         string        `mapstructure:"listen"`
	Metrics        bool          `mapstructure:"metrics"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type BackupConfig struct {
	Schedule string `mapstructure:"schedule"`
	Keep     int    `mapstructure:"keep"`
	Compress bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	ep := entrypoint.DefaultPolicy()
	defaults := map[string]any{
		"workers_dir": "hosted_bots",
		"backups_dir": "bot_backups",
		"env":         []string{},
		"env_files":   []string{},

		"store.dsn": "sqlite://botvisor.db",

		"supervisor.interpreter":      "python3",
		"supervisor.token_env":        "BOT_TOKEN",
		"supervisor.grace_window":     500 * time.Millisecond,
		"supervisor.stop_timeout":     5 * time.Second,
		"supervisor.restart_cooldown": 5 * time.Second,
		"supervisor.restart_pause":    time.Second,
		"supervisor.poll_timeout":     100 * time.Millisecond,
		"supervisor.log_lines":        500,
		"supervisor.max_restarts":     0,
		"supervisor.backoff":          false,
		"supervisor.max_cooldown":     5 * time.Minute,

		"entrypoint.extensions": ep.Extensions,
		"entrypoint.names":      ep.Names,
		"entrypoint.markers":    ep.Markers,
		"entrypoint.skip_dirs":  ep.SkipDirs,

		"log.level":        logger.LevelInfo,
		"log.format":       logger.FormatText,
		"log.color":        true,
		"log.file":         "",
		"log.worker_dir":   "",
		"log.max_size_mb":  logger.DefaultMaxSizeMB,
		"log.max_backups":  logger.DefaultMaxBackups,
		"log.max_age_days": logger.DefaultMaxAgeDays,
		"log.compress":     false,

		"server.listen":      ":8080",
		"server.base_path":   "/api",
		"server.admin_token": "",
		"server.cert_file":   "",
		"server.key_file":    "",

		"server.tls_dir":           "",
		"server.tls_auto_generate": false,
		"server.tls_min_version":   "1.2",
		"server.pidfile":           "",
		"server.logfile":           "",

		"health.listen":          ":8000",
		"health.metrics":         true,
		"health.sample_interval": 15 * time.Second,

		"history.sinks": []string{},

		"backup.schedule": "",
		"backup.keep":     10,
		"backup.compress": false,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads path (TOML) when non-empty, applies BOTVISOR_* overrides and
// defaults, merges env_files into Env and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(c.EnvFiles) > 0 {
		merged, err := mergeEnvFiles(c.EnvFiles, c.Env)
		if err != nil {
			return nil, err
		}
		c.Env = merged
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorkersDir) == "" {
		errs = append(errs, errors.New("workers_dir must be set"))
	}
	if strings.TrimSpace(c.BackupsDir) == "" {
		errs = append(errs, errors.New("backups_dir must be set"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn must be set"))
	}
	s := c.Supervisor
	if s.Interpreter == "" {
		errs = append(errs, errors.New("supervisor.interpreter must be set"))
	}
	for name, d := range map[string]time.Duration{
		"grace_window": s.GraceWindow, "stop_timeout": s.StopTimeout, "restart_cooldown": s.RestartCooldown,
		"poll_timeout": s.PollTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("supervisor.%s must be positive", name))
		}
	}
	if s.RestartPause < 0 {
		errs = append(errs, errors.New("supervisor.restart_pause must not be negative"))
	}
	if s.LogLines <= 0 {
		errs = append(errs, errors.New("supervisor.log_lines must be positive"))
	}
	if s.MaxRestarts < 0 {
		errs = append(errs, errors.New("supervisor.max_restarts must not be negative"))
	}
	if s.Backoff && s.MaxCooldown < s.RestartCooldown {
		errs = append(errs, errors.New("supervisor.max_cooldown must be >= restart_cooldown when backoff is enabled"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if c.Backup.Keep < 0 {
		errs = append(errs, errors.New("backup.keep must not be negative"))
	}
	return errors.Join(errs...)
}

// Logger converts the [log] section to the logger package configuration.
func (c *Config) Logger() logger.Config {
	l := c.Log
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      l.Level,
			Format:     l.Format,
			Color:      l.Color,
			TimeStamps: true,
			Path:       l.File,
		},
		File: logger.FileConfig{
			Dir:        l.WorkerDir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, order, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// mergeEnvFiles applies files in order, then the explicit env list on top.
func mergeEnvFiles(files, env []string) ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range files {
		pairs, keys, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			set(k, pairs[k])
		}
	}
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (optional "export ", optional quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, []string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, nil, err
	}
	m := make(map[string]string)
	var order []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	return m, order, nil
}
