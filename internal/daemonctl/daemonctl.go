// Package daemonctl starts and stops a background daemon from the CLI.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/msageha/mergequeue/internal/uds"
)

// ErrNotRunning is returned by Stop when no daemon answers on the socket.
var ErrNotRunning = errors.New("daemon is not running")

// StartOptions describes how to spawn the daemon.
type StartOptions struct {
	// Executable defaults to the running binary.
	Executable string
	Args       []string
	SocketPath string
	// LogPath receives the child's stdout and stderr.
	LogPath string
	// Timeout bounds the wait for the socket to answer. Default 10s.
	Timeout time.Duration
}

// Running reports whether a daemon answers ping on socketPath.
func Running(ctx context.Context, socketPath string) bool {
	client := uds.NewClient(socketPath)
	client.SetTimeout(2 * time.Second)
	return client.Ping(ctx) == nil
}

// Start spawns the daemon in its own session, detached from the terminal,
// and waits until it answers on the socket. It returns the child's pid.
func Start(ctx context.Context, opts StartOptions) (int, error) {
	if Running(ctx, opts.SocketPath) {
		return 0, fmt.Errorf("daemon already running on %s", opts.SocketPath)
	}

	execPath := opts.Executable
	if execPath == "" {
		p, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
		execPath = p
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cmd := exec.Command(execPath, opts.Args...)
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0755); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.OpenFile(opts.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 0, fmt.Errorf("open daemon log: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			return 0, fmt.Errorf("daemon exited during startup (%v); see %s", err, logHint(opts.LogPath))
		case <-ctx.Done():
			return pid, fmt.Errorf("daemon pid %d did not answer on %s within %s; see %s", pid, opts.SocketPath, timeout, logHint(opts.LogPath))
		case <-ticker.C:
			if Running(ctx, opts.SocketPath) {
				return pid, nil
			}
		}
	}
}

// Stop asks the daemon to shut down and waits for its socket to disappear.
// The daemon finishes any in-flight merge first, so timeout should cover
// the merge timeout.
func Stop(ctx context.Context, socketPath string, timeout time.Duration) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return ErrNotRunning
	}

	client := uds.NewClient(socketPath)
	client.SetTimeout(5 * time.Second)
	if err := client.Call(ctx, "shutdown", nil, nil); err != nil {
		var respErr *uds.ResponseError
		if errors.As(err, &respErr) {
			return fmt.Errorf("shutdown request rejected by daemon: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}

	// Wait for daemon to stop (poll socket removal)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(socketPath); os.IsNotExist(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout after %v", timeout)
		case <-ticker.C:
		}
	}
}

func logHint(path string) string {
	if path == "" {
		return "daemon log"
	}
	return path
}
