// Package git wraps the git binary for the operations the merge executor needs.
// Every call runs `git` with its working directory set to the wrapper's root.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandError is returned when a git invocation exits non-zero or is killed.
type CommandError struct {
	Dir    string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the process exit status, or -1 if git did not exit normally.
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode()
	}
	return -1
}

// Identity is the author and committer recorded on commits git creates.
type Identity struct {
	Name  string
	Email string
}

type Git struct {
	dir      string
	identity Identity
}

func New(dir string) *Git {
	return &Git{dir: dir}
}

// WithIdentity returns a copy that commits as id.
func (g *Git) WithIdentity(id Identity) *Git {
	c := *g
	c.identity = id
	return &c
}

// At returns a wrapper rooted at dir with the same identity.
func (g *Git) At(dir string) *Git {
	c := *g
	c.dir = dir
	return &c
}

func (g *Git) Dir() string { return g.dir }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	if g.identity.Name != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_NAME="+g.identity.Name,
			"GIT_COMMITTER_NAME="+g.identity.Name,
		)
	}
	if g.identity.Email != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_EMAIL="+g.identity.Email,
			"GIT_COMMITTER_EMAIL="+g.identity.Email,
		)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return stdout.String(), &CommandError{Dir: g.dir, Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func (g *Git) output(ctx context.Context, args ...string) (string, error) {
	out, err := g.run(ctx, args...)
	return strings.TrimSpace(out), err
}

// RevParse resolves rev to a commit id.
func (g *Git) RevParse(ctx context.Context, rev string) (string, error) {
	return g.output(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
}

func (g *Git) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := g.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// CreateBranch creates branch at startPoint. It fails if branch exists.
func (g *Git) CreateBranch(ctx context.Context, branch, startPoint string) error {
	_, err := g.run(ctx, "branch", "--no-track", branch, startPoint)
	return err
}

// TopLevel returns the root of the working tree containing the Git's dir.
func (g *Git) TopLevel(ctx context.Context) (string, error) {
	return g.output(ctx, "rev-parse", "--show-toplevel")
}

func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsAncestor reports whether ancestor is reachable from rev.
func (g *Git) IsAncestor(ctx context.Context, ancestor, rev string) (bool, error) {
	_, err := g.run(ctx, "merge-base", "--is-ancestor", ancestor, rev)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// ConflictingFiles lists paths with unmerged index entries.
func (g *Git) ConflictingFiles(ctx context.Context) ([]string, error) {
	out, err := g.output(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Merge creates a merge commit even when a fast-forward is possible.
func (g *Git) Merge(ctx context.Context, rev, message string) error {
	_, err := g.run(ctx, "merge", "--no-ff", "--no-edit", "-m", message, rev)
	return err
}

// MergeSquash stages the combined changes of rev without committing.
func (g *Git) MergeSquash(ctx context.Context, rev string) error {
	_, err := g.run(ctx, "merge", "--squash", rev)
	return err
}

func (g *Git) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, "commit", "--no-verify", "-m", message)
	return err
}

func (g *Git) HasStagedChanges(ctx context.Context) (bool, error) {
	_, err := g.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if exitCode(err) == 1 {
		return true, nil
	}
	return false, err
}

func (g *Git) AbortMerge(ctx context.Context) error {
	_, err := g.run(ctx, "merge", "--abort")
	return err
}

// Rebase replays the current branch onto upstream.
func (g *Git) Rebase(ctx context.Context, upstream string) error {
	_, err := g.run(ctx, "rebase", upstream)
	return err
}

func (g *Git) AbortRebase(ctx context.Context) error {
	_, err := g.run(ctx, "rebase", "--abort")
	return err
}

func (g *Git) ResetHard(ctx context.Context, rev string) error {
	_, err := g.run(ctx, "reset", "--hard", rev)
	return err
}

// UpdateRef moves ref to newRev only if it still points at oldRev.
func (g *Git) UpdateRef(ctx context.Context, ref, newRev, oldRev string) error {
	_, err := g.run(ctx, "update-ref", ref, newRev, oldRev)
	return err
}

// CommitMessage returns the full message of rev.
func (g *Git) CommitMessage(ctx context.Context, rev string) (string, error) {
	return g.output(ctx, "log", "-1", "--format=%B", rev)
}

// IsClean reports whether the working tree has no changes, untracked files included.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	out, err := g.output(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// WorktreeAddDetached checks out rev at path with a detached HEAD.
func (g *Git) WorktreeAddDetached(ctx context.Context, path, rev string) error {
	_, err := g.run(ctx, "worktree", "add", "--detach", path, rev)
	return err
}

func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops administrative data for worktrees whose directories are gone.
func (g *Git) WorktreePrune(ctx context.Context) error {
	_, err := g.run(ctx, "worktree", "prune")
	return err
}

func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
