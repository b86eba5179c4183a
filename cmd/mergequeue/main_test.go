package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/mergequeue/internal/daemon"
	"github.com/msageha/mergequeue/internal/git/gittest"
	"github.com/msageha/mergequeue/internal/model"
	"github.com/msageha/mergequeue/internal/uds"
)

// resetFlags restores every flag to its default; cobra keeps parsed values
// across Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "mqcli-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

// startTestDaemon starts an in-process daemon for repo and returns its socket.
func startTestDaemon(t *testing.T, repo string) string {
	t.Helper()
	sock := shortSocketPath(t)
	d, err := daemon.New(daemon.Options{
		RepoRoot:   repo,
		StateDir:   t.TempDir(),
		SocketPath: sock,
		LogWriter:  io.Discard,
	}, model.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := uds.NewClient(sock)
	require.Eventually(t, func() bool {
		return client.Ping(context.Background()) == nil
	}, 5*time.Second, 10*time.Millisecond)
	return sock
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mergequeue dev\n", out)
}

func TestFindConfig(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "config.yaml"), findConfig(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), nil, 0644))
	assert.Equal(t, filepath.Join(dir, "config.toml"), findConfig(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), nil, 0644))
	assert.Equal(t, filepath.Join(dir, "config.yaml"), findConfig(dir))
}

func TestInitConfigCommand(t *testing.T) {
	repo := gittest.New(t)

	out, err := execute(t, "--repo", repo.Root, "init-config", "--format", "toml")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(repo.Root, ".mergequeue", "config.toml"))
	assert.Contains(t, out, ".git/info/exclude")

	_, err = execute(t, "--repo", repo.Root, "init-config", "--format", "toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "--repo", repo.Root, "init-config", "--format", "ini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown --format")
}

func TestClientCommands_DaemonNotRunning(t *testing.T) {
	_, err := execute(t, "--repo", t.TempDir(), "--socket", shortSocketPath(t), "queue")
	require.Error(t, err)
	assert.ErrorIs(t, err, errDaemonNotRunning)

	out, err := execute(t, "--repo", t.TempDir(), "--socket", shortSocketPath(t), "stop")
	require.NoError(t, err)
	assert.Equal(t, "Daemon is not running\n", out)
}

func TestClientCommands(t *testing.T) {
	repo := gittest.New(t)
	sock := startTestDaemon(t, repo.Root)
	global := []string{"--repo", repo.Root, "--socket", sock}
	run := func(args ...string) (string, error) {
		return execute(t, append(append([]string{}, global...), args...)...)
	}

	out, err := run("session", "create", "--id", "s1", "--prompt", "split the parser")
	require.NoError(t, err)
	assert.Equal(t, "Session s1 created: feature/s1 (from main)\n", out)

	out, err = run("queue")
	require.NoError(t, err)
	assert.Equal(t, "Queue is empty (capacity 100)\n", out)

	out, err = run("--json", "ping")
	require.NoError(t, err)
	var ping daemon.PingResult
	require.NoError(t, json.Unmarshal([]byte(out), &ping))
	assert.Equal(t, "ok", ping.Status)
	assert.Equal(t, repo.Root, ping.RepoRoot)

	out, err = run("session", "show", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session:  s1 (active)")
	assert.Contains(t, out, "Prompt:   split the parser")

	_, err = run("status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry id or --agent")

	_, err = run("enqueue", "a1", "--session", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), uds.ErrCodeNotFound)

	out, err = run("history")
	require.NoError(t, err)
	assert.Equal(t, "No merges recorded\n", out)

	out, err = run("clear-failed")
	require.NoError(t, err)
	assert.Equal(t, "Cleared 0 failed entries\n", out)

	out, err = run("session", "close", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Session s1 closed\n", out)

	out, err = run("session", "list", "--state", "closed")
	require.NoError(t, err)
	assert.Contains(t, out, "s1 ")
	assert.Contains(t, out, "closed")
}
