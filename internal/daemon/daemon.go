// Package daemon wires the merge queue together: it owns the process
// lifecycle, the control socket and the background loops.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/mergequeue/internal/config"
	"github.com/msageha/mergequeue/internal/events"
	"github.com/msageha/mergequeue/internal/git"
	"github.com/msageha/mergequeue/internal/lock"
	"github.com/msageha/mergequeue/internal/merger"
	"github.com/msageha/mergequeue/internal/model"
	"github.com/msageha/mergequeue/internal/queue"
	"github.com/msageha/mergequeue/internal/store"
	"github.com/msageha/mergequeue/internal/uds"
)

// StateDirName is the per-repository directory holding the database, socket,
// config and logs.
const StateDirName = ".mergequeue"

// Options are the process-level settings supplied by the CLI.
type Options struct {
	RepoRoot   string
	StateDir   string // default <repo>/.mergequeue
	SocketPath string // default <state>/daemon.sock
	DBPath     string // default <state>/state.db
	ConfigPath string // watched for hot reload when non-empty
	LogLevel   string // overrides the config file when non-empty
	Version    string

	// LogWriter receives daemon logs. Nil means <state>/logs/daemon.log.
	LogWriter io.Writer

	// HandleSignals installs SIGINT/SIGTERM handling in Run.
	HandleSignals bool
}

// WithDefaults fills empty paths relative to the repository.
func (o Options) WithDefaults() Options {
	if o.RepoRoot == "" {
		o.RepoRoot = "."
	}
	if abs, err := filepath.Abs(o.RepoRoot); err == nil {
		o.RepoRoot = abs
	}
	if o.StateDir == "" {
		o.StateDir = filepath.Join(o.RepoRoot, StateDirName)
	}
	if o.SocketPath == "" {
		o.SocketPath = filepath.Join(o.StateDir, uds.DefaultSocketName)
	}
	if o.DBPath == "" {
		o.DBPath = filepath.Join(o.StateDir, "state.db")
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	return o
}

// Daemon is the merge queue daemon process.
type Daemon struct {
	opts      Options
	config    model.Config
	logLevel  atomic.Int32
	logger    *log.Logger
	logFile   io.Closer
	startedAt time.Time

	fileLock *lock.FileLock
	server   *uds.Server
	store    *store.Store
	git      *git.Git
	executor *merger.GitExecutor
	engine   *queue.Engine
	bus      *events.Bus
	audit    *events.AuditLogger
	watcher  *config.Watcher

	detachAudit func()
	cancel      context.CancelFunc
	stopCh      chan struct{}
	shutdown    sync.Once
	cleanupOnce sync.Once
}

// New creates a Daemon. The config has already been loaded and validated.
func New(opts Options, cfg model.Config) (*Daemon, error) {
	opts = opts.WithDefaults()
	if opts.LogWriter != nil {
		return newDaemon(opts, cfg, opts.LogWriter, nil)
	}

	logPath := filepath.Join(opts.StateDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(opts, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(opts Options, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	if opts.LogLevel != "" {
		if !model.ValidLogLevel(opts.LogLevel) {
			return nil, model.NewError(model.KindConfig, "unknown log level %q", opts.LogLevel)
		}
		cfg.LogLevel = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		opts:     opts,
		config:   cfg,
		logger:   log.New(w, "", 0),
		logFile:  closer,
		fileLock: lock.NewFileLock(opts.DBPath + ".lock"),
		server:   uds.NewServer(opts.SocketPath),
		git:      git.New(opts.RepoRoot),
		stopCh:   make(chan struct{}),
	}
	d.logLevel.Store(int32(model.ParseLogLevel(cfg.LogLevel)))
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes. It returns when
// ctx is cancelled, Shutdown is called, the shutdown command arrives or (with
// HandleSignals) SIGINT/SIGTERM is received.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		d.cleanup()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return d.engine.Run(gctx) })
	g.Go(func() error {
		d.janitorLoop(gctx)
		return nil
	})
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Run(gctx); err != nil {
				d.log(model.LogLevelWarn, "config watcher stopped: %v", err)
			}
			return nil
		})
	}
	d.log(model.LogLevelInfo, "daemon ready")

	var sigCh chan os.Signal
	if d.opts.HandleSignals {
		sigCh = make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}

	select {
	case <-ctx.Done():
		d.log(model.LogLevelInfo, "context cancelled, initiating graceful shutdown")
	case <-d.stopCh:
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		// Second signal → force exit
		go func() {
			<-sigCh
			d.log(model.LogLevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
	}

	d.Shutdown()
	err := d.drain(g)
	d.cleanup()
	d.log(model.LogLevelInfo, "daemon stopped")
	return err
}

// start acquires the lock, opens the store, recovers the queue and starts
// the control socket.
func (d *Daemon) start(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		if pid, _ := lock.ReadPID(d.fileLock.Path()); pid > 0 {
			return fmt.Errorf("daemon lock: held by pid %d: %w", pid, err)
		}
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log(model.LogLevelInfo, "daemon starting pid=%d version=%s repo=%s", os.Getpid(), d.opts.Version, d.opts.RepoRoot)

	st, err := store.Open(d.opts.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.log(model.LogLevelInfo, "state database initialized at %s", d.opts.DBPath)

	level := d.level()
	d.bus = events.NewBus(256)
	audit, err := events.NewAuditLogger(filepath.Join(d.opts.StateDir, "logs", "audit.jsonl"), events.DefaultMaxLogSize)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(true)
	d.audit = audit
	d.detachAudit = audit.Attach(d.bus, func(err error) {
		d.log(model.LogLevelWarn, "audit log write failed: %v", err)
	})

	d.executor = merger.NewGitExecutor(merger.OptionsFromConfig(d.opts.RepoRoot, d.config), d.logger, level)
	d.engine = queue.New(d.config, d.opts.RepoRoot, d.store, d.executor, d.logger, level)
	d.engine.SetEventBus(d.bus)

	recovered, err := d.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if recovered > 0 {
		d.log(model.LogLevelInfo, "recovered %d pending merge(s) from previous run", recovered)
	}

	if d.opts.ConfigPath != "" {
		d.watcher = config.NewWatcher(d.opts.ConfigPath, d.config, d.applyConfig, d.logger, level)
	}

	d.server.SetLogger(d.logger, level)
	d.registerHandlers()
	if err := os.MkdirAll(filepath.Dir(d.opts.SocketPath), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(model.LogLevelInfo, "UDS server listening on %s", d.opts.SocketPath)
	return nil
}

// Shutdown stops admission and asks Run to wind down. It does not block;
// Run returns once the in-flight merge has been recorded. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown started")
		if d.engine != nil {
			d.engine.Shutdown()
		}
		close(d.stopCh)
	})
}

// drain waits for the scheduler to record any in-flight merge, then stops the
// background loops. Both waits share the shutdown timeout.
func (d *Daemon) drain(g *errgroup.Group) error {
	timeout := d.config.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.engine.Wait(ctx); err != nil {
		d.log(model.LogLevelWarn, "shutdown timeout after %s, in-flight merge will be retried on restart", timeout)
	}
	d.cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		d.log(model.LogLevelInfo, "all goroutines drained")
		return err
	case <-ctx.Done():
		d.log(model.LogLevelWarn, "background loops did not stop within %s", timeout)
		return nil
	}
}

// cleanup releases resources in reverse order of acquisition.
func (d *Daemon) cleanup() {
	d.cleanupOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.server != nil {
			d.server.Stop()
		}
		if d.detachAudit != nil {
			d.detachAudit()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		if d.audit != nil {
			if err := d.audit.Close(); err != nil {
				d.log(model.LogLevelWarn, "close audit log: %v", err)
			}
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				d.log(model.LogLevelWarn, "close store: %v", err)
			}
		}
		if err := d.fileLock.Unlock(); err != nil {
			d.log(model.LogLevelWarn, "release daemon lock: %v", err)
		}
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}

// applyConfig hot-applies a reloaded configuration.
func (d *Daemon) applyConfig(cfg model.Config) {
	level := model.ParseLogLevel(cfg.LogLevel)
	d.logLevel.Store(int32(level))
	d.server.SetLogLevel(level)
	if d.engine != nil {
		d.engine.SetLogLevel(level)
	}
	if d.executor != nil {
		d.executor.SetLogLevel(level)
		d.executor.SetPreserveWorktrees(cfg.PreserveWorktrees)
	}
	if d.watcher != nil {
		d.watcher.SetLogLevel(level)
	}
	d.log(model.LogLevelInfo, "applied config log_level=%s preserve_worktrees=%t", level, cfg.PreserveWorktrees)
}

func (d *Daemon) level() model.LogLevel {
	return model.LogLevel(d.logLevel.Load())
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
