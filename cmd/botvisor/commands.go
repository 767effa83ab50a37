package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor/pkg/client"
)

type command struct {
	out   io.Writer
	flags *GlobalFlags
}

func (c *command) ctx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func createWorkersCommand(c *command) *cobra.Command {
	workers := &cobra.Command{
		Use:     "workers",
		Aliases: []string{"worker", "bots"},
		Short:   "Manage hosted workers",
	}
	workers.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List workers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				list, err := c.newClient().List(c.ctx(cmd))
				if err != nil {
					return err
				}
				printWorkers(c.out, list)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status <id>",
			Short: "Show a worker's record and runtime status",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := c.newClient().Status(c.ctx(cmd), args[0])
				if err != nil {
					return err
				}
				printJSON(c.out, st)
				return nil
			},
		},
		c.lifecycleCommand("start", "Start a worker", (*client.Client).Start),
		c.lifecycleCommand("stop", "Stop a worker", (*client.Client).Stop),
		c.lifecycleCommand("restart", "Restart a worker", (*client.Client).Restart),
		createDeployCommand(c),
		createLogsCommand(c),
		createAutoRestartCommand(c),
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Stop a worker and remove its directory and record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.newClient().Delete(c.ctx(cmd), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.out, "worker %s deleted\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "backup <id>",
			Short: "Snapshot a worker directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := c.newClient().Backup(c.ctx(cmd), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(c.out, path)
				return nil
			},
		},
		createFilesCommand(c),
	)
	return workers
}

type lifecycleFunc func(*client.Client, context.Context, string) (client.Result, error)

// lifecycleCommand prints the result and fails when the operation was refused,
// except for the idempotent no-op codes.
func (c *command) lifecycleCommand(use, short string, op lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := op(c.newClient(), c.ctx(cmd), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "%s: %s (%s)\n", args[0], res.Code, res.Message)
			if !res.OK && res.Code != "already_running" && res.Code != "already_stopped" {
				return fmt.Errorf("%s %s failed: %s", use, args[0], res.Code)
			}
			return nil
		},
	}
}

func createDeployCommand(c *command) *cobra.Command {
	flags := &DeployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy <file.py|archive.zip>",
		Short: "Upload a worker script or zip archive and start it",
		Long: `Upload a worker. The bot token is taken from --token or, when omitted,
discovered in the uploaded script or archive. The worker id is the token's
numeric prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.newClient().DeployFile(c.ctx(cmd), args[0], client.DeployRequest{
				Name:    flags.Name,
				Token:   flags.Token,
				NoStart: flags.NoStart,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "deployed %s (%s) in %s\n", res.Worker.ID, res.Worker.Name, res.Worker.Directory)
			if res.Start != nil {
				_, _ = fmt.Fprintf(c.out, "start: %s (%s)\n", res.Start.Code, res.Start.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "display name (defaults to the file name)")
	cmd.Flags().StringVar(&flags.Token, "token", "", "bot token")
	cmd.Flags().BoolVar(&flags.NoStart, "no-start", false, "do not start the worker after deploying")
	return cmd
}

func createLogsCommand(c *command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print recent worker output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.logs(c.ctx(cmd), args[0], *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "number of lines")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep polling for new lines")
	cmd.Flags().DurationVar(&flags.Every, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func (c *command) logs(ctx context.Context, id string, f LogsFlags) error {
	api := c.newClient()
	var last uint64
	limit := f.Limit
	for {
		logs, err := api.Logs(ctx, id, limit)
		if err != nil {
			return err
		}
		for _, l := range logs.Lines {
			if l.Seq <= last {
				continue
			}
			_, _ = fmt.Fprintf(c.out, "[%s] %s\n", upper(l.Stream), l.Line)
			last = l.Seq
		}
		if !f.Follow {
			return nil
		}
		limit = 500
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.Every):
		}
	}
}

func createAutoRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:       "autorestart <id> on|off",
		Short:     "Enable or disable automatic restarts",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			st, err := c.newClient().SetAutoRestart(c.ctx(cmd), args[0], on)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "%s: auto_restart=%t\n", st.ID, st.AutoRestart)
			return nil
		},
	}
}

func createFilesCommand(c *command) *cobra.Command {
	files := &cobra.Command{
		Use:   "files",
		Short: "Browse and edit files inside a worker directory",
	}
	files.AddCommand(
		&cobra.Command{
			Use:   "ls <id> [path]",
			Short: "List a directory",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				entries, err := c.newClient().ListFiles(c.ctx(cmd), args[0], argOr(args, 1, ""))
				if err != nil {
					return err
				}
				printFiles(c.out, entries)
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <id> <path>",
			Short: "Print a file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := c.newClient().Download(c.ctx(cmd), args[0], args[1], c.out)
				return err
			},
		},
		&cobra.Command{
			Use:   "put <id> <path> <local-file>",
			Short: "Upload a local file, replacing the target",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				f, err := os.Open(args[2])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				return c.newClient().WriteFile(c.ctx(cmd), args[0], args[1], f)
			},
		},
		&cobra.Command{
			Use:   "mkdir <id> <path>",
			Short: "Create a directory",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.newClient().Mkdir(c.ctx(cmd), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "rm <id> <path>",
			Short: "Remove a file or directory tree",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.newClient().RemoveFile(c.ctx(cmd), args[0], args[1])
			},
		},
	)
	return files
}

func createBackupsCommand(c *command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List recent backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c.newClient().Backups(c.ctx(cmd), limit)
			if err != nil {
				return err
			}
			printBackups(c.out, list)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of backups")
	return cmd
}

func createSystemCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "system",
		Short: "Show service totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sys, err := c.newClient().System(c.ctx(cmd))
			if err != nil {
				return err
			}
			printJSON(c.out, sys)
			return nil
		},
	}
}
