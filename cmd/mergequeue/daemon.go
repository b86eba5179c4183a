package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/mergequeue/internal/config"
	"github.com/msageha/mergequeue/internal/daemon"
	"github.com/msageha/mergequeue/internal/daemonctl"
	"github.com/msageha/mergequeue/internal/setup"
)

var (
	daemonDB         string
	daemonLogLevel   string
	daemonForeground bool
	daemonConfig     string

	stopTimeout time.Duration

	initFormat string
	initForce  bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the merge queue daemon for a repository",
	Long: `Start the daemon that owns the merge queue of one repository.

Without --foreground the daemon detaches into the background, logging to
<repo>/.mergequeue/logs/daemon.log, and this command returns once it
answers on its socket. With --foreground it logs to stderr and stops on
SIGINT or SIGTERM after finishing any in-flight merge.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon after its in-flight merge completes",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Create .mergequeue/ with a default config file",
	Args:  cobra.NoArgs,
	RunE:  runInitConfig,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonDB, "db", "", "SQLite database path (default: <repo>/.mergequeue/state.db)")
	daemonCmd.Flags().StringVar(&daemonLogLevel, "log-level", "", "Override log_level from the config (debug, info, warn, error)")
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "Run in the foreground and log to stderr")
	daemonCmd.Flags().StringVar(&daemonConfig, "config", "", "Config file (default: <repo>/.mergequeue/config.yaml)")

	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 6*time.Minute, "How long to wait for the daemon to exit")

	initConfigCmd.Flags().StringVar(&initFormat, "format", "yaml", "Config format: yaml, toml or json")
	initConfigCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config (the old file is kept as .bak)")

	rootCmd.AddCommand(daemonCmd, stopCmd, initConfigCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	opts, err := daemonOptions(cmd.Context())
	if err != nil {
		return err
	}
	if daemonDB != "" {
		if opts.DBPath, err = filepath.Abs(daemonDB); err != nil {
			return fmt.Errorf("resolve --db: %w", err)
		}
	}
	opts.LogLevel = daemonLogLevel
	opts.ConfigPath = daemonConfig
	if opts.ConfigPath == "" {
		opts.ConfigPath = findConfig(opts.StateDir)
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !daemonForeground {
		return startDetached(cmd, opts)
	}

	opts.LogWriter = os.Stderr
	opts.HandleSignals = true
	d, err := daemon.New(opts, cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run(context.Background())
}

// startDetached re-executes this binary with --foreground in a new session.
func startDetached(cmd *cobra.Command, opts daemon.Options) error {
	args := []string{
		"daemon", "--foreground",
		"--repo", opts.RepoRoot,
		"--socket", opts.SocketPath,
		"--db", opts.DBPath,
		"--config", opts.ConfigPath,
	}
	if opts.LogLevel != "" {
		args = append(args, "--log-level", opts.LogLevel)
	}

	logPath := filepath.Join(opts.StateDir, "logs", "daemon.log")
	pid, err := daemonctl.Start(cmd.Context(), daemonctl.StartOptions{
		Args:       args,
		SocketPath: opts.SocketPath,
		LogPath:    logPath,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (pid %d)\n  socket: %s\n  log:    %s\n", pid, opts.SocketPath, logPath)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	opts, err := daemonOptions(cmd.Context())
	if err != nil {
		return err
	}
	err = daemonctl.Stop(cmd.Context(), opts.SocketPath, stopTimeout)
	if errors.Is(err, daemonctl.ErrNotRunning) {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
	return nil
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	root, err := repoRoot(cmd.Context())
	if err != nil {
		return err
	}
	format := config.Format(initFormat)
	switch format {
	case config.FormatYAML, config.FormatTOML, config.FormatJSON:
	default:
		return fmt.Errorf("unknown --format %q (want yaml, toml or json)", initFormat)
	}

	res, err := setup.Run(setup.Options{RepoRoot: root, Format: format, Force: initForce})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", res.ConfigPath)
	if res.Excluded {
		fmt.Fprintf(out, "Added /%s/ to .git/info/exclude\n", setup.StateDirName)
	}
	return nil
}
