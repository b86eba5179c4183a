package merger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/mergequeue/internal/git"
	"github.com/msageha/mergequeue/internal/lock"
	"github.com/msageha/mergequeue/internal/model"
)

// integrationDir holds the scratch worktrees used by the merge and squash strategies.
const integrationDir = ".integration"

// rollbackTimeout bounds cleanup git commands that run after the merge deadline.
const rollbackTimeout = 30 * time.Second

// DefaultIdentity signs the commits the executor creates.
var DefaultIdentity = git.Identity{Name: "mergequeue", Email: "mergequeue@localhost"}

type Options struct {
	RepoRoot          string
	Strategy          model.MergeStrategy
	Timeout           time.Duration
	WorktreeDir       string
	PreserveWorktrees bool
	Identity          git.Identity
}

// OptionsFromConfig builds executor options for the repository at repoRoot.
func OptionsFromConfig(repoRoot string, cfg model.Config) Options {
	return Options{
		RepoRoot:          repoRoot,
		Strategy:          cfg.MergeStrategy,
		Timeout:           cfg.MergeTimeout(),
		WorktreeDir:       cfg.WorktreeDir,
		PreserveWorktrees: cfg.PreserveWorktrees,
		Identity:          DefaultIdentity,
	}
}

// GitExecutor integrates branches with the git CLI. The target ref is only
// ever moved by a final compare-and-swap, so an aborted attempt leaves it untouched.
type GitExecutor struct {
	opts     Options
	git      *git.Git
	inFlight *lock.MutexMap
	running  sync.Map // entry id -> struct{}
	preserve atomic.Bool
	logger   *log.Logger
	logLevel atomic.Int32
}

func NewGitExecutor(opts Options, logger *log.Logger, logLevel model.LogLevel) *GitExecutor {
	if opts.Identity.Name == "" {
		opts.Identity = DefaultIdentity
	}
	e := &GitExecutor{
		opts:     opts,
		git:      git.New(opts.RepoRoot).WithIdentity(opts.Identity),
		inFlight: lock.NewMutexMap(),
		logger:   logger,
	}
	e.preserve.Store(opts.PreserveWorktrees)
	e.logLevel.Store(int32(logLevel))
	return e
}

// SetPreserveWorktrees changes whether Cleanup keeps entry worktrees.
func (e *GitExecutor) SetPreserveWorktrees(v bool) { e.preserve.Store(v) }

func (e *GitExecutor) SetLogLevel(level model.LogLevel) { e.logLevel.Store(int32(level)) }

// Execute runs one merge attempt for entry. A second call for the same target
// branch while one is running fails immediately.
func (e *GitExecutor) Execute(ctx context.Context, entry model.QueueEntry) Outcome {
	if !e.inFlight.TryLock(entry.TargetBranch) {
		e.log(model.LogLevelError, "refusing concurrent merge entry=%s target=%s", entry.ID, entry.TargetBranch)
		return Failure{
			Kind:   model.KindWorktree,
			Reason: fmt.Sprintf("concurrent merge into %s", entry.TargetBranch),
		}
	}
	defer e.inFlight.Unlock(entry.TargetBranch)

	e.running.Store(entry.ID, struct{}{})
	defer e.running.Delete(entry.ID)

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	e.log(model.LogLevelDebug, "merge start entry=%s branch=%s target=%s strategy=%s",
		entry.ID, entry.Branch, entry.TargetBranch, e.opts.Strategy)

	out := e.execute(ctx, entry)
	if _, failed := out.(Failure); failed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out = Failure{
			Kind:   model.KindTimeout,
			Reason: fmt.Sprintf("merge exceeded %s", e.opts.Timeout),
		}
	}

	e.log(model.LogLevelInfo, "merge done entry=%s target=%s outcome=%q elapsed=%s",
		entry.ID, entry.TargetBranch, out.String(), time.Since(start).Round(time.Millisecond))
	return out
}

func (e *GitExecutor) execute(ctx context.Context, entry model.QueueEntry) Outcome {
	oldTip, err := e.resolveBranch(ctx, entry.TargetBranch)
	if err != nil {
		return failureFrom(err)
	}
	srcTip, err := e.resolveBranch(ctx, entry.Branch)
	if err != nil {
		return failureFrom(err)
	}

	// A previous incarnation may have merged this entry before crashing.
	merged, err := e.git.IsAncestor(ctx, srcTip, oldTip)
	if err != nil {
		return Failure{Kind: model.KindGit, Reason: err.Error()}
	}
	if merged {
		e.log(model.LogLevelInfo, "entry=%s already integrated into %s at %s", entry.ID, entry.TargetBranch, short(oldTip))
		return Success{CommitID: oldTip}
	}

	switch e.opts.Strategy {
	case model.StrategyRebase:
		return e.rebase(ctx, entry, oldTip)
	case model.StrategySquash:
		return e.inScratch(ctx, entry, oldTip, func(sg *git.Git) Outcome {
			return e.squash(ctx, sg, entry, oldTip, srcTip)
		})
	default:
		return e.inScratch(ctx, entry, oldTip, func(sg *git.Git) Outcome {
			return e.merge(ctx, sg, entry, srcTip)
		})
	}
}

func (e *GitExecutor) resolveBranch(ctx context.Context, branch string) (string, error) {
	ok, err := e.git.BranchExists(ctx, branch)
	if err != nil {
		return "", model.WrapError(model.KindGit, err, "check branch %s", branch)
	}
	if !ok {
		return "", model.NotFound(model.KindBranchNotFound, branch)
	}
	sha, err := e.git.RevParse(ctx, "refs/heads/"+branch)
	if err != nil {
		return "", model.WrapError(model.KindGit, err, "resolve branch %s", branch)
	}
	return sha, nil
}

// inScratch runs fn in a detached worktree at the target tip and always removes it.
func (e *GitExecutor) inScratch(ctx context.Context, entry model.QueueEntry, oldTip string, fn func(*git.Git) Outcome) Outcome {
	path := e.scratchPath(entry.ID)
	e.removeScratch(ctx, path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Failure{Kind: model.KindWorktree, Reason: fmt.Sprintf("create integration dir: %v", err)}
	}
	if err := e.git.WorktreeAddDetached(ctx, path, oldTip); err != nil {
		return Failure{Kind: model.KindWorktree, Reason: fmt.Sprintf("create integration worktree: %v", err)}
	}
	defer e.removeScratch(ctx, path)

	return fn(e.git.At(path))
}

func (e *GitExecutor) merge(ctx context.Context, sg *git.Git, entry model.QueueEntry, srcTip string) Outcome {
	msg := fmt.Sprintf("Merge branch '%s' into %s", entry.Branch, entry.TargetBranch)
	if err := sg.Merge(ctx, srcTip, msg); err != nil {
		return e.conflictOrFailure(ctx, sg, err, model.KindGit, sg.AbortMerge)
	}
	return e.advanceTarget(ctx, sg, entry)
}

func (e *GitExecutor) squash(ctx context.Context, sg *git.Git, entry model.QueueEntry, oldTip, srcTip string) Outcome {
	reset := func(ctx context.Context) error { return sg.ResetHard(ctx, oldTip) }
	if err := sg.MergeSquash(ctx, srcTip); err != nil {
		return e.conflictOrFailure(ctx, sg, err, model.KindGit, reset)
	}

	staged, err := sg.HasStagedChanges(ctx)
	if err != nil {
		return Failure{Kind: model.KindGit, Reason: err.Error()}
	}
	if !staged {
		// Every change is already on the target.
		return Success{CommitID: oldTip}
	}

	msg, err := e.git.CommitMessage(ctx, srcTip)
	if err != nil || strings.TrimSpace(msg) == "" {
		msg = fmt.Sprintf("Squash merge %s into %s", entry.Branch, entry.TargetBranch)
	}
	if err := sg.Commit(ctx, msg); err != nil {
		e.rollback(ctx, reset)
		return Failure{Kind: model.KindGit, Reason: fmt.Sprintf("commit squash: %v", err)}
	}
	return e.advanceTarget(ctx, sg, entry)
}

// rebase replays the entry branch onto the target tip inside the entry's own
// worktree and fast-forwards the target to the result.
func (e *GitExecutor) rebase(ctx context.Context, entry model.QueueEntry, oldTip string) Outcome {
	if entry.Worktree == "" {
		return Failure{Kind: model.KindWorktree, Reason: "entry has no worktree"}
	}
	if _, err := os.Stat(entry.Worktree); err != nil {
		return Failure{Kind: model.KindWorktree, Reason: fmt.Sprintf("worktree %s: %v", entry.Worktree, err)}
	}
	wg := e.git.At(entry.Worktree)

	branch, err := wg.CurrentBranch(ctx)
	if err != nil {
		return Failure{Kind: model.KindWorktree, Reason: fmt.Sprintf("read worktree HEAD: %v", err)}
	}
	if branch != entry.Branch {
		return Failure{Kind: model.KindWorktree, Reason: fmt.Sprintf("worktree %s has %s checked out, want %s", entry.Worktree, branch, entry.Branch)}
	}
	clean, err := wg.IsClean(ctx)
	if err != nil {
		return Failure{Kind: model.KindWorktree, Reason: fmt.Sprintf("read worktree status: %v", err)}
	}
	if !clean {
		return Failure{Kind: model.KindWorktree, Reason: fmt.Sprintf("worktree %s has uncommitted changes", entry.Worktree)}
	}

	if err := wg.Rebase(ctx, oldTip); err != nil {
		return e.conflictOrFailure(ctx, wg, err, model.KindRebaseFailed, wg.AbortRebase)
	}
	return e.advanceTarget(ctx, wg, entry)
}

// conflictOrFailure inspects a failed merge or rebase, rolls it back and
// classifies the result.
func (e *GitExecutor) conflictOrFailure(ctx context.Context, g *git.Git, cause error, kind model.ErrorKind, undo func(context.Context) error) Outcome {
	var files []string
	if ctx.Err() == nil {
		var err error
		if files, err = g.ConflictingFiles(ctx); err != nil {
			e.log(model.LogLevelWarn, "list conflicting files: %v", err)
		}
	}
	e.rollback(ctx, undo)
	if len(files) > 0 {
		return Conflict{Files: files}
	}
	return Failure{Kind: kind, Reason: cause.Error()}
}

// advanceTarget moves the target ref to HEAD of g if nobody else moved it first.
func (e *GitExecutor) advanceTarget(ctx context.Context, g *git.Git, entry model.QueueEntry) Outcome {
	newTip, err := g.RevParse(ctx, "HEAD")
	if err != nil {
		return Failure{Kind: model.KindGit, Reason: fmt.Sprintf("resolve result: %v", err)}
	}
	oldTip, err := e.git.RevParse(ctx, "refs/heads/"+entry.TargetBranch)
	if err != nil {
		return Failure{Kind: model.KindGit, Reason: fmt.Sprintf("resolve target: %v", err)}
	}
	ok, err := e.git.IsAncestor(ctx, oldTip, newTip)
	if err != nil {
		return Failure{Kind: model.KindGit, Reason: err.Error()}
	}
	if !ok {
		return Failure{Kind: model.KindGit, Reason: fmt.Sprintf("%s moved during merge", entry.TargetBranch)}
	}
	if err := e.git.UpdateRef(ctx, "refs/heads/"+entry.TargetBranch, newTip, oldTip); err != nil {
		return Failure{Kind: model.KindGit, Reason: fmt.Sprintf("update %s: %v", entry.TargetBranch, err)}
	}
	return Success{CommitID: newTip}
}

func (e *GitExecutor) rollback(ctx context.Context, undo func(context.Context) error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := undo(rctx); err != nil {
		e.log(model.LogLevelWarn, "rollback failed: %v", err)
	}
}

func (e *GitExecutor) scratchPath(entryID string) string {
	return filepath.Join(e.worktreeRoot(), integrationDir, entryID)
}

func (e *GitExecutor) worktreeRoot() string {
	if filepath.IsAbs(e.opts.WorktreeDir) {
		return e.opts.WorktreeDir
	}
	return filepath.Join(e.opts.RepoRoot, e.opts.WorktreeDir)
}

func (e *GitExecutor) removeScratch(ctx context.Context, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := e.git.WorktreeRemove(rctx, path); err != nil {
		e.log(model.LogLevelDebug, "worktree remove %s: %v", path, err)
		os.RemoveAll(path)
		if err := e.git.WorktreePrune(rctx); err != nil {
			e.log(model.LogLevelWarn, "worktree prune: %v", err)
		}
	}
}

// Cleanup removes the entry's worktree unless worktrees are preserved.
// Worktrees outside the configured worktree directory are never touched.
func (e *GitExecutor) Cleanup(ctx context.Context, entry model.QueueEntry) error {
	if e.preserve.Load() || entry.Worktree == "" {
		return nil
	}
	if !within(e.worktreeRoot(), entry.Worktree) {
		e.log(model.LogLevelDebug, "skip cleanup of %s: outside %s", entry.Worktree, e.worktreeRoot())
		return nil
	}
	if _, err := os.Stat(entry.Worktree); os.IsNotExist(err) {
		return nil
	}
	if err := e.git.WorktreeRemove(ctx, entry.Worktree); err != nil {
		return model.WrapError(model.KindWorktree, err, "remove worktree %s", entry.Worktree)
	}
	e.log(model.LogLevelInfo, "removed worktree entry=%s path=%s", entry.ID, entry.Worktree)
	return nil
}

// Prune drops leftover integration worktrees and stale worktree metadata.
func (e *GitExecutor) Prune(ctx context.Context) error {
	dir := filepath.Join(e.worktreeRoot(), integrationDir)
	names, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read integration dir: %w", err)
	}
	for _, n := range names {
		if _, live := e.running.Load(n.Name()); live {
			continue
		}
		e.removeScratch(ctx, filepath.Join(dir, n.Name()))
	}
	if err := e.git.WorktreePrune(ctx); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func failureFrom(err error) Failure {
	return Failure{Kind: model.KindOf(err), Reason: err.Error()}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func (e *GitExecutor) log(level model.LogLevel, format string, args ...any) {
	if e.logger == nil || level < model.LogLevel(e.logLevel.Load()) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s merge_executor: %s", time.Now().Format(time.RFC3339), level, msg)
}
