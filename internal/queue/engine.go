// Package queue implements the FIFO merge queue: admission, ordering, the
// scheduling loop and the entry state machine.
//
// The engine keeps every non-terminal entry in an arena keyed by id plus an
// ordered index of (order key, id). Order keys only ever grow, so appending
// keeps the index sorted. Every state change is persisted before it becomes
// visible in memory; a failed write leaves the entry at its last persisted
// state and the change is retried by the scheduler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/mergequeue/internal/events"
	"github.com/msageha/mergequeue/internal/merger"
	"github.com/msageha/mergequeue/internal/model"
)

// storeRetryDelay is how long the scheduler waits before retrying a failed store write.
const storeRetryDelay = time.Second

// Store is the persistence the engine needs.
type Store interface {
	InsertEntry(ctx context.Context, entry *model.QueueEntry) (int64, error)
	SaveEntry(ctx context.Context, entry *model.QueueEntry) error
	DeleteEntry(ctx context.Context, id string) error
	CompleteEntry(ctx context.Context, entry *model.QueueEntry, commitSHA string) (model.MergeRecord, error)
	GetEntry(ctx context.Context, id string) (model.QueueEntry, error)
	LoadPendingEntries(ctx context.Context) ([]model.QueueEntry, error)
	ListEntries(ctx context.Context, statuses ...model.EntryStatus) ([]model.QueueEntry, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	SaveSession(ctx context.Context, sess *model.Session) error
	CloseStaleSessions(ctx context.Context, cutoff time.Time, keep ...string) ([]string, error)
}

// EnqueueRequest asks for an agent's branch to be merged. Empty Branch,
// Worktree and TargetBranch are derived from the configuration and session.
type EnqueueRequest struct {
	AgentID      string `json:"agent_id"`
	SessionID    string `json:"session_id"`
	Branch       string `json:"branch,omitempty"`
	Worktree     string `json:"worktree,omitempty"`
	TargetBranch string `json:"target_branch,omitempty"`
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Pending    int      `json:"pending"`
	Processing int      `json:"processing"`
	Conflict   int      `json:"conflict"`
	Active     int      `json:"active"`
	Capacity   int      `json:"capacity"`
	InFlight   []string `json:"in_flight"`
	Stalled    int      `json:"stalled"`
	ShutDown   bool     `json:"shut_down"`
}

type orderKey struct {
	key int64
	id  string
}

// step is one persisted transition of an entry.
type step struct {
	entry      model.QueueEntry
	commit     string
	event      events.EventType
	toBack     bool
	notBefore  time.Time
	terminal   bool
	fromStatus model.EntryStatus
}

type Engine struct {
	cfg      model.Config
	repoRoot string
	store    Store
	exec     merger.Executor
	bus      *events.Bus
	logger   *log.Logger
	logLevel atomic.Int32
	now      func() time.Time

	mu        sync.Mutex
	entries   map[string]*model.QueueEntry
	order     []orderKey
	nextKey   int64
	inFlight  map[string]string // target branch -> entry id
	notBefore map[string]time.Time
	stalled   map[string][]step
	shutdown  bool
	running   bool

	sem     *semaphore.Weighted
	merges  sync.WaitGroup
	wake    chan struct{}
	runDone chan struct{}
}

func New(cfg model.Config, repoRoot string, st Store, exec merger.Executor, logger *log.Logger, logLevel model.LogLevel) *Engine {
	e := &Engine{
		cfg:       cfg,
		repoRoot:  repoRoot,
		store:     st,
		exec:      exec,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[string]*model.QueueEntry),
		inFlight:  make(map[string]string),
		notBefore: make(map[string]time.Time),
		stalled:   make(map[string][]step),
		sem:       semaphore.NewWeighted(int64(max(cfg.MaxConcurrentMerges, 1))),
		wake:      make(chan struct{}, 1),
		runDone:   make(chan struct{}),
	}
	e.logLevel.Store(int32(logLevel))
	return e
}

// SetEventBus publishes lifecycle events to bus.
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus = bus
}

// SetClock overrides the time source (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) SetLogLevel(level model.LogLevel) { e.logLevel.Store(int32(level)) }

// Enqueue admits a new entry and returns its id.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown {
		return "", model.ErrShuttingDown
	}
	if req.AgentID == "" {
		return "", model.NewError(model.KindInvalidRequest, "agent_id is required")
	}
	if req.SessionID == "" {
		return "", model.NewError(model.KindInvalidRequest, "session_id is required")
	}

	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", err
	}
	if sess.State != model.SessionActive {
		return "", model.NewError(model.KindInvalidRequest, "session %s is %s", sess.ID, sess.State)
	}

	if len(e.entries) >= e.cfg.MaxQueueSize {
		return "", model.QueueFull(e.cfg.MaxQueueSize)
	}
	for _, ent := range e.entries {
		if ent.AgentID == req.AgentID {
			return "", model.AgentAlreadyQueued(req.AgentID)
		}
	}

	id, err := model.NewID()
	if err != nil {
		return "", model.WrapError(model.KindIO, err, "generate entry id")
	}
	entry := &model.QueueEntry{
		ID:            id,
		AgentID:       req.AgentID,
		SessionID:     req.SessionID,
		Branch:        req.Branch,
		Worktree:      req.Worktree,
		TargetBranch:  req.TargetBranch,
		QueuedAt:      e.now(),
		Status:        model.StatusPending,
		ConflictFiles: []string{},
	}
	if entry.Branch == "" {
		entry.Branch = e.cfg.AgentBranchPrefix + req.AgentID
	}
	if entry.Worktree == "" {
		entry.Worktree = filepath.Join(e.worktreeRoot(), req.AgentID)
	}
	if entry.TargetBranch == "" {
		entry.TargetBranch = sess.FeatureBranch
	}

	if _, err := e.store.InsertEntry(ctx, entry); err != nil {
		e.log(model.LogLevelError, "persist enqueue agent=%s: %v", req.AgentID, err)
		return "", err
	}

	e.entries[id] = entry
	e.appendOrder(id)
	e.publish(events.EventEntryEnqueued, entry, "")
	e.log(model.LogLevelInfo, "enqueued entry=%s agent=%s branch=%s target=%s position=%d",
		id, entry.AgentID, entry.Branch, entry.TargetBranch, len(e.order))
	e.notify()
	return id, nil
}

func (e *Engine) worktreeRoot() string {
	if filepath.IsAbs(e.cfg.WorktreeDir) {
		return e.cfg.WorktreeDir
	}
	return filepath.Join(e.repoRoot, e.cfg.WorktreeDir)
}

// Recover repopulates the queue from the store. Entries persisted as
// Processing were interrupted mid-merge and are reset to Pending. Entries
// persisted as Conflict have their pending decision applied. Recovered
// entries are ordered ahead of anything enqueued later.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	loaded, err := e.store.LoadPendingEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending entries: %w", err)
	}
	conflicted, err := e.store.ListEntries(ctx, model.StatusConflict)
	if err != nil {
		return 0, fmt.Errorf("load conflict entries: %w", err)
	}
	loaded = append(loaded, conflicted...)
	sort.SliceStable(loaded, func(i, j int) bool {
		if !loaded[i].QueuedAt.Equal(loaded[j].QueuedAt) {
			return loaded[i].QueuedAt.Before(loaded[j].QueuedAt)
		}
		return loaded[i].Seq < loaded[j].Seq
	})

	recovered := 0
	for i := range loaded {
		ent := loaded[i]
		if _, exists := e.entries[ent.ID]; exists {
			continue
		}

		switch ent.Status {
		case model.StatusProcessing:
			ent.Status = model.StatusPending
			if err := e.store.SaveEntry(ctx, &ent); err != nil {
				return recovered, fmt.Errorf("reset interrupted entry %s: %w", ent.ID, err)
			}
			e.log(model.LogLevelWarn, "recovered interrupted merge entry=%s agent=%s attempts=%d", ent.ID, ent.AgentID, ent.Attempts)
		case model.StatusConflict:
			next := e.afterConflict(ent)
			if err := e.store.SaveEntry(ctx, &next.entry); err != nil {
				return recovered, fmt.Errorf("resolve conflict entry %s: %w", ent.ID, err)
			}
			if next.terminal {
				e.log(model.LogLevelWarn, "recovered conflict entry=%s failed: %s", ent.ID, errString(next.entry.LastError))
				continue
			}
			ent = next.entry
		}

		stored := ent
		e.entries[ent.ID] = &stored
		e.appendOrder(ent.ID)
		recovered++
	}

	if recovered > 0 {
		e.log(model.LogLevelInfo, "recovered %d entries", recovered)
		e.notify()
	}
	return recovered, nil
}

// Run is the scheduling loop. It returns after Shutdown or ctx cancellation,
// once every in-flight merge has finished and been recorded. Merges are never
// cancelled by ctx; the executor's own timeout bounds them.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("queue engine already running")
	}
	e.running = true
	e.mu.Unlock()

	defer close(e.runDone)
	mergeCtx := context.WithoutCancel(ctx)

	for {
		e.retryStalled(mergeCtx)

		if err := e.sem.Acquire(ctx, 1); err != nil {
			break
		}

		e.mu.Lock()
		if e.shutdown {
			e.mu.Unlock()
			e.sem.Release(1)
			break
		}
		entry, wait := e.nextEligibleLocked()
		if len(e.stalled) > 0 && (wait == 0 || wait > storeRetryDelay) {
			wait = storeRetryDelay
		}
		if entry == nil {
			e.mu.Unlock()
			e.sem.Release(1)
			if !e.sleep(ctx, wait) {
				break
			}
			continue
		}
		started, ok := e.startLocked(mergeCtx, entry)
		e.mu.Unlock()
		if !ok {
			e.sem.Release(1)
			if !e.sleep(ctx, storeRetryDelay) {
				break
			}
			continue
		}

		e.merges.Add(1)
		go e.runMerge(mergeCtx, started)
	}

	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()

	e.merges.Wait()
	// Outcomes whose write failed get one last chance before exit.
	e.retryStalled(mergeCtx)
	e.log(model.LogLevelInfo, "scheduler stopped")
	return nil
}

// Shutdown stops admission and scheduling. An in-flight merge runs to
// completion; use Wait to block until it has been recorded.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	already := e.shutdown
	e.shutdown = true
	e.mu.Unlock()

	if !already {
		e.log(model.LogLevelInfo, "shutdown requested")
	}
	e.notify()
}

// Wait blocks until Run has returned or ctx is done. It returns immediately
// if Run was never started.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-e.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) ShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// nextEligibleLocked returns the first Pending entry that heads its target
// branch, has no merge in flight for that target and is past its backoff.
// When none qualifies it returns the delay until the earliest backoff ends
// (0 means wait for a wakeup).
func (e *Engine) nextEligibleLocked() (*model.QueueEntry, time.Duration) {
	now := e.now()
	blocked := make(map[string]bool, len(e.inFlight))
	for target := range e.inFlight {
		blocked[target] = true
	}

	var wait time.Duration
	for _, k := range e.order {
		ent := e.entries[k.id]
		if blocked[ent.TargetBranch] {
			continue
		}
		blocked[ent.TargetBranch] = true
		if ent.Status != model.StatusPending {
			continue
		}
		if t, ok := e.notBefore[ent.ID]; ok && now.Before(t) {
			if d := t.Sub(now); wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		return ent, 0
	}
	return nil, wait
}

// startLocked persists the Pending→Processing transition and claims the target.
func (e *Engine) startLocked(ctx context.Context, ent *model.QueueEntry) (model.QueueEntry, bool) {
	next := ent.Clone()
	next.Status = model.StatusProcessing
	if err := model.ValidateEntryTransition(ent.Status, next.Status); err != nil {
		e.log(model.LogLevelError, "start entry=%s: %v", ent.ID, err)
		return model.QueueEntry{}, false
	}
	if err := e.store.SaveEntry(ctx, &next); err != nil {
		e.log(model.LogLevelError, "persist processing entry=%s: %v", ent.ID, err)
		return model.QueueEntry{}, false
	}

	*ent = next
	delete(e.notBefore, ent.ID)
	e.inFlight[ent.TargetBranch] = ent.ID
	e.publish(events.EventEntryProcessing, ent, "")
	e.log(model.LogLevelInfo, "processing entry=%s agent=%s target=%s attempt=%d",
		ent.ID, ent.AgentID, ent.TargetBranch, ent.Attempts+1)
	return ent.Clone(), true
}

func (e *Engine) runMerge(ctx context.Context, entry model.QueueEntry) {
	defer e.merges.Done()
	defer e.sem.Release(1)
	defer e.notify()

	out := e.exec.Execute(ctx, entry)

	e.mu.Lock()
	terminal := e.finishLocked(ctx, entry.ID, out)
	e.mu.Unlock()

	if terminal != nil {
		e.cleanup(ctx, *terminal)
	}
}

// finishLocked records an executor outcome. It returns the entry when it
// reached a terminal state.
func (e *Engine) finishLocked(ctx context.Context, id string, out merger.Outcome) *model.QueueEntry {
	ent, ok := e.entries[id]
	if !ok {
		e.log(model.LogLevelError, "outcome for unknown entry=%s: %s", id, out)
		return nil
	}
	return e.applyLocked(ctx, id, e.outcomeSteps(*ent, out))
}

// outcomeSteps maps an outcome to the transitions it causes.
func (e *Engine) outcomeSteps(cur model.QueueEntry, out merger.Outcome) []step {
	switch o := out.(type) {
	case merger.Success:
		done := cur.Clone()
		done.Attempts++
		done.Status = model.StatusCompleted
		done.ClearError()
		done.ConflictFiles = []string{}
		return []step{{entry: done, commit: o.CommitID, event: events.EventEntryCompleted, terminal: true}}

	case merger.Conflict:
		c := cur.Clone()
		c.Attempts++
		c.Status = model.StatusConflict
		c.ConflictFiles = append([]string{}, o.Files...)
		if len(c.ConflictFiles) == 0 {
			c.ConflictFiles = []string{"(unknown)"}
		}
		c.SetError(model.MergeConflict(c.ConflictFiles).Error())
		return []step{{entry: c, event: events.EventEntryConflict}, e.afterConflict(c)}

	case merger.Failure:
		kind := o.Kind
		if kind == "" {
			kind = model.KindGit
		}
		f := cur.Clone()
		f.Attempts++
		f.SetError(fmt.Sprintf("%s: %s", kind, o.Reason))
		if kind.Retryable() && f.Attempts < e.cfg.MaxRetries {
			f.Status = model.StatusPending
			return []step{{entry: f, event: events.EventEntryRequeued, notBefore: e.backoff(f.Attempts)}}
		}
		if kind.Retryable() {
			f.SetError(fmt.Sprintf("%s: last error: %s: %s", model.MaxRetriesExceeded(f.AgentID, f.Attempts).Error(), kind, o.Reason))
		}
		f.Status = model.StatusFailed
		return []step{{entry: f, event: events.EventEntryFailed, terminal: true}}
	}

	f := cur.Clone()
	f.Attempts++
	f.Status = model.StatusFailed
	f.SetError(fmt.Sprintf("unrecognised merge outcome %T", out))
	return []step{{entry: f, event: events.EventEntryFailed, terminal: true}}
}

// afterConflict decides where a Conflict entry goes next.
func (e *Engine) afterConflict(c model.QueueEntry) step {
	next := c.Clone()
	next.ConflictFiles = []string{}
	if e.cfg.AutoRebase && next.Attempts < e.cfg.MaxRetries {
		next.Status = model.StatusPending
		return step{
			entry:     next,
			event:     events.EventEntryRequeued,
			toBack:    e.cfg.ConflictRequeue != model.RequeueInPlace,
			notBefore: e.backoff(next.Attempts),
		}
	}
	next.Status = model.StatusFailed
	if e.cfg.AutoRebase {
		next.SetError(fmt.Sprintf("%s: %s", model.MaxRetriesExceeded(next.AgentID, next.Attempts).Error(), errString(c.LastError)))
	} else {
		next.SetError(fmt.Sprintf("auto_rebase disabled: %s", errString(c.LastError)))
	}
	return step{entry: next, event: events.EventEntryFailed, terminal: true}
}

func (e *Engine) backoff(attempts int) time.Time {
	d := e.cfg.RetryBackoff(attempts)
	if d <= 0 {
		return time.Time{}
	}
	return e.now().Add(d)
}

// applyLocked persists steps in order. On a write failure the entry stays at
// its last persisted state and the remaining steps are parked for retry.
func (e *Engine) applyLocked(ctx context.Context, id string, steps []step) *model.QueueEntry {
	ent := e.entries[id]
	for i, st := range steps {
		if err := model.ValidateEntryTransition(ent.Status, st.entry.Status); err != nil {
			e.log(model.LogLevelError, "entry=%s: %v", id, err)
			return nil
		}

		var err error
		if st.entry.Status == model.StatusCompleted {
			_, err = e.store.CompleteEntry(ctx, &st.entry, st.commit)
		} else {
			err = e.store.SaveEntry(ctx, &st.entry)
		}
		if err != nil {
			e.log(model.LogLevelError, "persist entry=%s status=%s: %v (will retry)", id, st.entry.Status, err)
			e.stalled[id] = steps[i:]
			return nil
		}

		*ent = st.entry
		e.afterStepLocked(ent, st)
	}
	delete(e.stalled, id)

	if model.IsTerminal(ent.Status) {
		delete(e.entries, id)
		e.removeOrder(id)
		delete(e.notBefore, id)
		done := ent.Clone()
		return &done
	}
	return nil
}

func (e *Engine) afterStepLocked(ent *model.QueueEntry, st step) {
	detail := errString(ent.LastError)
	switch ent.Status {
	case model.StatusCompleted:
		detail = st.commit
		e.log(model.LogLevelInfo, "completed entry=%s agent=%s commit=%s attempts=%d", ent.ID, ent.AgentID, st.commit, ent.Attempts)
	case model.StatusConflict:
		e.log(model.LogLevelWarn, "conflict entry=%s agent=%s attempts=%d files=%v", ent.ID, ent.AgentID, ent.Attempts, ent.ConflictFiles)
	case model.StatusPending:
		if st.toBack {
			e.removeOrder(ent.ID)
			e.appendOrder(ent.ID)
		}
		if !st.notBefore.IsZero() {
			e.notBefore[ent.ID] = st.notBefore
		}
		e.log(model.LogLevelInfo, "requeued entry=%s agent=%s attempts=%d back=%t", ent.ID, ent.AgentID, ent.Attempts, st.toBack)
	case model.StatusFailed:
		e.log(model.LogLevelError, "failed entry=%s agent=%s attempts=%d: %s", ent.ID, ent.AgentID, ent.Attempts, detail)
	}
	if ent.Status != model.StatusConflict && e.inFlight[ent.TargetBranch] == ent.ID {
		delete(e.inFlight, ent.TargetBranch)
	}
	e.publish(st.event, ent, detail)
}

// retryStalled re-attempts parked transitions.
func (e *Engine) retryStalled(ctx context.Context) {
	e.mu.Lock()
	var terminal []model.QueueEntry
	for id, steps := range e.stalled {
		if done := e.applyLocked(ctx, id, steps); done != nil {
			terminal = append(terminal, *done)
		}
	}
	e.mu.Unlock()

	for _, ent := range terminal {
		e.cleanup(ctx, ent)
	}
}

func (e *Engine) cleanup(ctx context.Context, ent model.QueueEntry) {
	if err := e.exec.Cleanup(ctx, ent); err != nil {
		e.log(model.LogLevelWarn, "cleanup entry=%s: %v", ent.ID, err)
	}
}

// Cancel removes a Pending entry before it is scheduled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[id]
	if !ok {
		stored, err := e.store.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		return model.NewError(model.KindNotCancellable, "entry %s is %s", id, stored.Status)
	}
	if ent.Status != model.StatusPending {
		return model.NewError(model.KindNotCancellable, "entry %s is %s", id, ent.Status)
	}

	if err := e.store.DeleteEntry(ctx, id); err != nil {
		return err
	}
	delete(e.entries, id)
	e.removeOrder(id)
	delete(e.notBefore, id)
	e.publish(events.EventEntryCancelled, ent, "")
	e.log(model.LogLevelInfo, "cancelled entry=%s agent=%s", id, ent.AgentID)
	e.notify()
	return nil
}

// ClearFailed deletes a Failed entry, or every Failed entry when id is empty.
// It returns the number removed.
func (e *Engine) ClearFailed(ctx context.Context, id string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var targets []model.QueueEntry
	if id == "" {
		failed, err := e.store.ListEntries(ctx, model.StatusFailed)
		if err != nil {
			return 0, err
		}
		targets = failed
	} else {
		ent, err := e.store.GetEntry(ctx, id)
		if err != nil {
			return 0, err
		}
		if ent.Status != model.StatusFailed {
			return 0, model.NewError(model.KindInvalidRequest, "entry %s is %s, not failed", id, ent.Status)
		}
		targets = []model.QueueEntry{ent}
	}

	cleared := 0
	for i := range targets {
		if err := e.store.DeleteEntry(ctx, targets[i].ID); err != nil {
			return cleared, err
		}
		cleared++
		e.publish(events.EventEntryCleared, &targets[i], "")
	}
	if cleared > 0 {
		e.log(model.LogLevelInfo, "cleared %d failed entries", cleared)
	}
	return cleared, nil
}

// CloseSession closes an active session. It fails while the session still has
// queued entries and is a no-op for a session that is already closed; the
// returned bool reports whether this call closed it.
func (e *Engine) CloseSession(ctx context.Context, id string) (model.Session, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, false, err
	}
	if sess.State == model.SessionClosed {
		return sess, false, nil
	}
	for _, k := range e.order {
		if ent := e.entries[k.id]; ent.SessionID == id {
			return model.Session{}, false, model.NewError(model.KindInvalidRequest,
				"session %s has queued entries (agent %s is %s)", id, ent.AgentID, ent.Status)
		}
	}

	sess.State = model.SessionClosed
	if err := e.store.SaveSession(ctx, &sess); err != nil {
		return model.Session{}, false, err
	}
	return sess, true, nil
}

// CloseIdleSessions closes active sessions with no activity since cutoff.
// Sessions with queued entries are skipped. Enqueue holds the same lock, so
// no entry can be admitted into a session while it is being closed.
func (e *Engine) CloseIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	var keep []string
	for _, ent := range e.entries {
		if !seen[ent.SessionID] {
			seen[ent.SessionID] = true
			keep = append(keep, ent.SessionID)
		}
	}
	return e.store.CloseStaleSessions(ctx, cutoff, keep...)
}

// Get returns an entry by id from memory, falling back to the store for
// entries no longer scheduled (Failed).
func (e *Engine) Get(ctx context.Context, id string) (model.QueueEntry, error) {
	e.mu.Lock()
	ent, ok := e.entries[id]
	var out model.QueueEntry
	if ok {
		out = ent.Clone()
	}
	e.mu.Unlock()
	if ok {
		return out, nil
	}
	return e.store.GetEntry(ctx, id)
}

// AgentEntry returns the agent's non-terminal entry, if any.
func (e *Engine) AgentEntry(agentID string) (model.QueueEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.order {
		if ent := e.entries[k.id]; ent.AgentID == agentID {
			return ent.Clone(), true
		}
	}
	return model.QueueEntry{}, false
}

// Snapshot returns the non-terminal entries in queue order.
func (e *Engine) Snapshot() []model.QueueEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.QueueEntry, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, e.entries[k.id].Clone())
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Active:   len(e.entries),
		Capacity: e.cfg.MaxQueueSize,
		InFlight: []string{},
		Stalled:  len(e.stalled),
		ShutDown: e.shutdown,
	}
	for _, ent := range e.entries {
		switch ent.Status {
		case model.StatusPending:
			s.Pending++
		case model.StatusProcessing:
			s.Processing++
		case model.StatusConflict:
			s.Conflict++
		}
	}
	for target := range e.inFlight {
		s.InFlight = append(s.InFlight, target)
	}
	slices.Sort(s.InFlight)
	return s
}

func (e *Engine) appendOrder(id string) {
	e.nextKey++
	e.order = append(e.order, orderKey{key: e.nextKey, id: id})
}

func (e *Engine) removeOrder(id string) {
	if i := slices.IndexFunc(e.order, func(k orderKey) bool { return k.id == id }); i >= 0 {
		e.order = slices.Delete(e.order, i, i+1)
	}
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// sleep waits for a wakeup, d (when positive) or ctx. It reports false when ctx is done.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
	case <-timer:
	}
	return true
}

func (e *Engine) publish(typ events.EventType, ent *model.QueueEntry, detail string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:         typ,
		EntryID:      ent.ID,
		AgentID:      ent.AgentID,
		SessionID:    ent.SessionID,
		TargetBranch: ent.TargetBranch,
		Attempts:     ent.Attempts,
		Detail:       detail,
	})
}

func errString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (e *Engine) log(level model.LogLevel, format string, args ...any) {
	if e.logger == nil || level < model.LogLevel(e.logLevel.Load()) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s queue_engine: %s", time.Now().Format(time.RFC3339), level, msg)
}
