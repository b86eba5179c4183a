package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/mergequeue/internal/model"
)

// HotKeys are the settings applied to a running daemon. Changes to any other
// key are reported and take effect on the next start.
var HotKeys = []string{"log_level", "preserve_worktrees"}

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes and hands the hot-applied
// result to a callback.
type Watcher struct {
	path     string
	apply    func(model.Config)
	debounce time.Duration
	logger   *log.Logger
	logLevel atomic.Int32

	mu      sync.Mutex
	current model.Config
}

func NewWatcher(path string, current model.Config, apply func(model.Config), logger *log.Logger, logLevel model.LogLevel) *Watcher {
	w := &Watcher{
		path:     path,
		apply:    apply,
		debounce: defaultDebounce,
		logger:   logger,
		current:  current,
	}
	w.logLevel.Store(int32(logLevel))
	return w
}

func (w *Watcher) SetLogLevel(level model.LogLevel) { w.logLevel.Store(int32(level)) }

// Current returns the configuration in effect.
func (w *Watcher) Current() model.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the config file's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.log(model.LogLevelDebug, "watching %s", w.path)

	name := filepath.Clean(w.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.log(model.LogLevelDebug, "fsnotify event=%s file=%s", ev.Op, ev.Name)
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log(model.LogLevelError, "fsnotify error=%v", err)
		case <-timer.C:
			w.Reload()
		}
	}
}

// Reload re-reads the file and applies hot keys. It returns the keys that
// changed but need a restart.
func (w *Watcher) Reload() []string {
	if _, err := os.Stat(w.path); errors.Is(err, os.ErrNotExist) {
		w.log(model.LogLevelWarn, "config %s removed, keeping current settings", w.path)
		return nil
	}
	next, err := Load(w.path)
	if err != nil {
		w.log(model.LogLevelWarn, "config reload rejected, keeping current settings: %v", err)
		return nil
	}

	w.mu.Lock()
	prev := w.current
	merged := prev
	merged.LogLevel = next.LogLevel
	merged.PreserveWorktrees = next.PreserveWorktrees
	w.current = merged
	w.mu.Unlock()

	var hot, restart []string
	for _, key := range Diff(prev, next) {
		if slices.Contains(HotKeys, key) {
			hot = append(hot, key)
		} else {
			restart = append(restart, key)
		}
	}
	if len(restart) > 0 {
		w.log(model.LogLevelWarn, "config changes require restart: %s", strings.Join(restart, ", "))
	}
	if len(hot) > 0 {
		w.log(model.LogLevelInfo, "config reloaded: %s", strings.Join(hot, ", "))
		if w.apply != nil {
			w.apply(merged)
		}
	}
	return restart
}

// Diff returns the yaml keys whose values differ between a and b.
func Diff(a, b model.Config) []string {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			continue
		}
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if key == "" {
			key = t.Field(i).Name
		}
		keys = append(keys, key)
	}
	return keys
}

func (w *Watcher) log(level model.LogLevel, format string, args ...any) {
	if w.logger == nil || level < model.LogLevel(w.logLevel.Load()) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s config_watcher: %s", time.Now().Format(time.RFC3339), level, msg)
}
