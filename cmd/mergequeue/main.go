package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/mergequeue/internal/config"
	"github.com/msageha/mergequeue/internal/daemon"
	"github.com/msageha/mergequeue/internal/git"
	"github.com/msageha/mergequeue/internal/status"
	"github.com/msageha/mergequeue/internal/uds"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	repoFlag   string
	socketFlag string
	jsonFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "mergequeue",
	Short: "FIFO merge queue for agent branches",
	Long: `mergequeue serialises the integration of agent branches into session
feature branches. A per-repository daemon owns the queue; the other
commands talk to it over a unix socket.

Examples:
  mergequeue init-config
  mergequeue daemon
  mergequeue session create --id s1
  mergequeue enqueue a1 --session s1
  mergequeue queue`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mergequeue %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Repository root (default: the enclosing git work tree)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Daemon socket (default: <repo>/.mergequeue/daemon.sock)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// repoRoot returns --repo, or the top of the git work tree containing the
// current directory, or the current directory.
func repoRoot(ctx context.Context) (string, error) {
	if repoFlag != "" {
		return filepath.Abs(repoFlag)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	if top, err := git.New(cwd).TopLevel(ctx); err == nil && top != "" {
		return top, nil
	}
	return cwd, nil
}

// daemonOptions resolves the process paths from the global flags.
func daemonOptions(ctx context.Context) (daemon.Options, error) {
	root, err := repoRoot(ctx)
	if err != nil {
		return daemon.Options{}, err
	}
	return daemon.Options{RepoRoot: root, SocketPath: socketFlag, Version: version}.WithDefaults(), nil
}

// findConfig returns the first config file present in stateDir, or the
// default YAML path when none exists.
func findConfig(stateDir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.toml", "config.json"} {
		p := filepath.Join(stateDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(stateDir, config.DefaultFileName)
}

var errDaemonNotRunning = errors.New("daemon is not running (start it with 'mergequeue daemon')")

// call sends one command to the daemon and decodes the result into out.
func call(cmd *cobra.Command, command string, params, out any) error {
	opts, err := daemonOptions(cmd.Context())
	if err != nil {
		return err
	}
	if _, err := os.Stat(opts.SocketPath); errors.Is(err, os.ErrNotExist) {
		return errDaemonNotRunning
	}
	client := uds.NewClient(opts.SocketPath)
	if err := client.Call(cmd.Context(), command, params, out); err != nil {
		var respErr *uds.ResponseError
		if errors.As(err, &respErr) {
			return err
		}
		return fmt.Errorf("%w: %v", errDaemonNotRunning, err)
	}
	return nil
}

// render prints v as JSON under --json and through text otherwise.
func render(cmd *cobra.Command, v any, text func()) error {
	if jsonFlag {
		return status.WriteJSON(cmd.OutOrStdout(), v)
	}
	text()
	return nil
}
