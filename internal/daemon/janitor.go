package daemon

import (
	"context"
	"time"

	"github.com/msageha/mergequeue/internal/model"
)

// janitorLoop runs sweep every janitor interval until ctx is done.
func (d *Daemon) janitorLoop(ctx context.Context) {
	interval := time.Duration(d.config.JanitorIntervalSecs) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep closes idle sessions and prunes leftover scratch worktrees.
func (d *Daemon) sweep(ctx context.Context) {
	if timeout := d.config.SessionTimeout(); timeout > 0 {
		closed, err := d.engine.CloseIdleSessions(ctx, time.Now().Add(-timeout))
		if err != nil {
			d.log(model.LogLevelWarn, "janitor: close stale sessions: %v", err)
		}
		for _, id := range closed {
			d.publishSessionClosed(id, "idle timeout")
			d.log(model.LogLevelInfo, "janitor: closed idle session id=%s", id)
		}
	}

	if d.executor != nil && d.engine.Stats().Processing == 0 {
		if err := d.executor.Prune(ctx); err != nil {
			d.log(model.LogLevelWarn, "janitor: prune worktrees: %v", err)
		}
	}
}
