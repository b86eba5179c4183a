package merger

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/mergequeue/internal/git"
	"github.com/msageha/mergequeue/internal/git/gittest"
	"github.com/msageha/mergequeue/internal/model"
)

const target = "feature/x"

type fixture struct {
	repo *gittest.Repo
	exec *GitExecutor
	logs *bytes.Buffer
}

func newFixture(t *testing.T, strategy model.MergeStrategy) *fixture {
	t.Helper()
	repo := gittest.New(t)
	repo.Branch(target)

	var buf bytes.Buffer
	opts := Options{
		RepoRoot:    repo.Root,
		Strategy:    strategy,
		Timeout:     time.Minute,
		WorktreeDir: ".worktrees",
	}
	return &fixture{
		repo: repo,
		exec: NewGitExecutor(opts, log.New(&buf, "", 0), model.LogLevelDebug),
		logs: &buf,
	}
}

// agent creates agent/<name> from the target with one commit and returns the entry.
func (f *fixture) agent(t *testing.T, name, file, content string) model.QueueEntry {
	t.Helper()
	branch := "agent/" + name
	f.repo.Git("branch", branch, target)
	wt := f.repo.AddWorktree(filepath.Join(".worktrees", name), branch)
	f.repo.CommitOnBranch(wt, file, content, "work from "+name)
	return model.QueueEntry{
		ID:           "entry-" + name,
		AgentID:      name,
		SessionID:    "s1",
		Branch:       branch,
		Worktree:     wt,
		TargetBranch: target,
		Status:       model.StatusProcessing,
	}
}

// advanceTarget commits directly on the target branch through a temporary worktree.
func (f *fixture) advanceTarget(t *testing.T, file, content string) string {
	t.Helper()
	wt := f.repo.AddWorktree(".tmp-target", target)
	sha := f.repo.CommitOnBranch(wt, file, content, "target moves")
	f.repo.Git("worktree", "remove", "--force", wt)
	return sha
}

func TestExecute_MergeStrategy(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	entry := f.agent(t, "a", "a.txt", "a\n")
	before := f.repo.Rev(target)

	out := f.exec.Execute(context.Background(), entry)
	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)

	assert.Equal(t, f.repo.Rev(target), success.CommitID)
	assert.NotEqual(t, before, success.CommitID)
	parents := strings.Fields(f.repo.Git("rev-list", "--parents", "-n", "1", target))
	assert.Len(t, parents, 3, "merge commit has two parents")

	_, err := os.Stat(f.exec.scratchPath(entry.ID))
	assert.True(t, os.IsNotExist(err), "integration worktree must be removed")
}

func TestExecute_MergeConflictLeavesTargetUntouched(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	entry := f.agent(t, "a", "README.md", "agent version\n")
	f.advanceTarget(t, "README.md", "target version\n")
	before := f.repo.Rev(target)

	out := f.exec.Execute(context.Background(), entry)
	conflict, ok := out.(Conflict)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, []string{"README.md"}, conflict.Files)
	assert.Equal(t, before, f.repo.Rev(target))

	_, err := os.Stat(f.exec.scratchPath(entry.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_SquashStrategy(t *testing.T) {
	f := newFixture(t, model.StrategySquash)
	entry := f.agent(t, "a", "a.txt", "a\n")
	f.repo.CommitOnBranch(entry.Worktree, "a2.txt", "a2\n", "second commit")
	before := f.repo.Rev(target)

	out := f.exec.Execute(context.Background(), entry)
	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)

	assert.Equal(t, before, f.repo.Rev(success.CommitID+"^"), "one commit atop the old tip")
	assert.Equal(t, "second commit", f.repo.Git("log", "-1", "--format=%s", target))
	assert.Equal(t, "mergequeue", f.repo.Git("log", "-1", "--format=%cn", target))
	assert.Equal(t, "a2\n", f.repo.Git("show", target+":a2.txt")+"\n")
}

func TestExecute_RebaseStrategy(t *testing.T) {
	f := newFixture(t, model.StrategyRebase)
	entry := f.agent(t, "a", "a.txt", "a\n")
	moved := f.advanceTarget(t, "t.txt", "t\n")

	out := f.exec.Execute(context.Background(), entry)
	success, ok := out.(Success)
	require.True(t, ok, "got %v", out)

	assert.Equal(t, f.repo.Rev(target), success.CommitID)
	assert.Equal(t, f.repo.Rev(entry.Branch), success.CommitID, "target fast-forwarded to the rebased branch")
	assert.Equal(t, moved, f.repo.Rev(target+"^"))
	parents := strings.Fields(f.repo.Git("rev-list", "--parents", "-n", "1", target))
	assert.Len(t, parents, 2, "history stays linear")
}

func TestExecute_RebaseConflictIsRolledBack(t *testing.T) {
	f := newFixture(t, model.StrategyRebase)
	entry := f.agent(t, "a", "README.md", "agent\n")
	agentTip := f.repo.Rev(entry.Branch)
	f.advanceTarget(t, "README.md", "target\n")
	before := f.repo.Rev(target)

	out := f.exec.Execute(context.Background(), entry)
	conflict, ok := out.(Conflict)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, []string{"README.md"}, conflict.Files)

	assert.Equal(t, before, f.repo.Rev(target))
	assert.Equal(t, agentTip, f.repo.Rev(entry.Branch), "rebase aborted")
	assert.Empty(t, f.repo.GitIn(entry.Worktree, "status", "--porcelain"))
}

func TestExecute_RebaseRejectsDirtyWorktree(t *testing.T) {
	f := newFixture(t, model.StrategyRebase)
	entry := f.agent(t, "a", "a.txt", "a\n")
	require.NoError(t, os.WriteFile(filepath.Join(entry.Worktree, "scratch.txt"), []byte("x"), 0644))

	out := f.exec.Execute(context.Background(), entry)
	failure, ok := out.(Failure)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, model.KindWorktree, failure.Kind)
}

func TestExecute_AlreadyIntegrated(t *testing.T) {
	for _, strategy := range []model.MergeStrategy{model.StrategyMerge, model.StrategyRebase, model.StrategySquash} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t, strategy)
			entry := f.agent(t, "a", "a.txt", "a\n")

			first, ok := f.exec.Execute(context.Background(), entry).(Success)
			require.True(t, ok)

			// Replaying the attempt after a crash must not create a second commit.
			out := f.exec.Execute(context.Background(), entry)
			if strategy == model.StrategySquash {
				// squash commits are not ancestors of the branch; the empty squash detects it
				second, ok := out.(Success)
				require.True(t, ok, "got %v", out)
				assert.Equal(t, first.CommitID, second.CommitID)
			} else {
				assert.Equal(t, Success{CommitID: first.CommitID}, out)
			}
			assert.Equal(t, first.CommitID, f.repo.Rev(target))
		})
	}
}

func TestExecute_BranchNotFound(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	entry := model.QueueEntry{ID: "e1", Branch: "agent/ghost", TargetBranch: target}

	out := f.exec.Execute(context.Background(), entry)
	failure, ok := out.(Failure)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, model.KindBranchNotFound, failure.Kind)
	assert.Contains(t, failure.Reason, "agent/ghost")
}

func TestExecute_RefusesConcurrentSameTarget(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	entry := f.agent(t, "a", "a.txt", "a\n")
	before := f.repo.Rev(target)

	require.True(t, f.exec.inFlight.TryLock(target))
	out := f.exec.Execute(context.Background(), entry)
	f.exec.inFlight.Unlock(target)

	failure, ok := out.(Failure)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, model.KindWorktree, failure.Kind)
	assert.Contains(t, failure.Reason, "concurrent merge")
	assert.Equal(t, before, f.repo.Rev(target))

	// Once released the merge goes through.
	_, ok = f.exec.Execute(context.Background(), entry).(Success)
	assert.True(t, ok)
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	entry := f.agent(t, "a", "a.txt", "a\n")
	before := f.repo.Rev(target)
	f.exec.opts.Timeout = time.Nanosecond

	out := f.exec.Execute(context.Background(), entry)
	failure, ok := out.(Failure)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, model.KindTimeout, failure.Kind)
	assert.Equal(t, before, f.repo.Rev(target))
}

func TestConflictOrFailure_ListingErrorFallsBackToFailure(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	undone := false
	undo := func(context.Context) error {
		undone = true
		return nil
	}

	// The directory does not exist, so listing unmerged paths fails.
	gone := git.New(filepath.Join(t.TempDir(), "gone"))
	out := f.exec.conflictOrFailure(context.Background(), gone, errors.New("merge exited 1"), model.KindGit, undo)
	failure, ok := out.(Failure)
	require.True(t, ok, "got %v", out)
	assert.Equal(t, model.KindGit, failure.Kind)
	assert.Equal(t, "merge exited 1", failure.Reason)
	assert.True(t, undone)
	assert.Contains(t, f.logs.String(), "WARN merge_executor: list conflicting files:")
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	entry := f.agent(t, "a", "a.txt", "a\n")

	f.exec.SetPreserveWorktrees(true)
	require.NoError(t, f.exec.Cleanup(context.Background(), entry))
	assert.DirExists(t, entry.Worktree)

	f.exec.SetPreserveWorktrees(false)
	require.NoError(t, f.exec.Cleanup(context.Background(), entry))
	assert.NoDirExists(t, entry.Worktree)

	// already gone is fine
	require.NoError(t, f.exec.Cleanup(context.Background(), entry))
}

func TestCleanup_IgnoresPathsOutsideWorktreeDir(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	outside := t.TempDir()
	entry := model.QueueEntry{ID: "e1", Worktree: outside, TargetBranch: target}

	require.NoError(t, f.exec.Cleanup(context.Background(), entry))
	assert.DirExists(t, outside)
}

func TestPrune_RemovesLeftoverIntegrationWorktrees(t *testing.T) {
	f := newFixture(t, model.StrategyMerge)
	stale := f.exec.scratchPath("crashed")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	f.repo.Git("worktree", "add", "--detach", stale, target)

	require.NoError(t, f.exec.Prune(context.Background()))
	assert.NoDirExists(t, stale)
	assert.NotContains(t, f.repo.Git("worktree", "list"), stale)
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/r/.worktrees", "/r/.worktrees/a"))
	assert.False(t, within("/r/.worktrees", "/r/.worktrees"))
	assert.False(t, within("/r/.worktrees", "/r/other"))
	assert.False(t, within("/r/.worktrees", "/r/.worktrees-x/a"))
}

func TestFunc(t *testing.T) {
	var got string
	exec := Func(func(_ context.Context, e model.QueueEntry) Outcome {
		got = e.ID
		return Conflict{Files: []string{"x"}}
	})

	var e Executor = exec
	out := e.Execute(context.Background(), model.QueueEntry{ID: "e1"})
	assert.Equal(t, "e1", got)
	assert.Equal(t, Conflict{Files: []string{"x"}}, out)
	assert.NoError(t, e.Cleanup(context.Background(), model.QueueEntry{}))
	assert.Equal(t, "conflict in x", out.String())
}
