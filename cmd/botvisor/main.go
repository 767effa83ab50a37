package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree; out receives command output.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := &command{out: out, flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createWorkersCommand(cmd),
		createBackupsCommand(cmd),
		createSystemCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botvisor",
		Short: "Host and supervise bot worker scripts",
		Long: `Botvisor runs one interpreter process per deployed bot, restarts it when it
crashes and exposes deploy, lifecycle, log, file and backup operations over HTTP.

Examples:
  botvisor serve --config=botvisor.toml          # Start the service
  botvisor workers deploy ./echo_bot.py --token=123:ABC...
  botvisor workers list
  botvisor workers logs 123 --follow
  botvisor --api-url=https://host:8080/api workers restart 123`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (serve)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", envOr("BOTVISOR_API_URL", "http://127.0.0.1:8080/api"), "management API URL")
	root.PersistentFlags().StringVar(&flags.Token, "admin-token", os.Getenv("BOTVISOR_ADMIN_TOKEN"), "admin bearer token")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for a self-signed server")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the botvisor service",
		Long: `Start the management API, the health server and every worker whose
persisted state is running. Without a config file the defaults are used,
overridable through BOTVISOR_* environment variables.

Examples:
  botvisor serve
  botvisor serve botvisor.toml
  botvisor serve --daemonize --pidfile=/run/botvisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(flags *ServeFlags) error {
	cfg, err := botvisor.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	pidFile := flags.PidFile
	if pidFile == "" {
		pidFile = cfg.Server.PidFile
	}
	if flags.Daemonize {
		logFile := flags.LogFile
		if logFile == "" {
			logFile = cfg.Server.LogFile
		}
		return daemonize(pidFile, logFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := botvisor.Open(ctx, cfg)
	if err != nil {
		return err
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			host.Logger().Warn("write pidfile", "path", pidFile, "error", err)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}
	if err := host.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newClient builds the API client from the persistent flags.
func (c *command) newClient() *client.Client {
	cfg := client.Config{
		BaseURL:  c.flags.APIUrl,
		Token:    c.flags.Token,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.flags.CACert}
	}
	return client.New(cfg)
}
