// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo is a scratch repository with "main" checked out.
type Repo struct {
	t    testing.TB
	Root string
}

// New initialises a repository in a temp dir with one commit on main.
// The test is skipped when git is not installed.
func New(t testing.TB) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	// Resolve symlinks so paths compare equal to what git reports (macOS /private/var).
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	r := &Repo{t: t, Root: root}
	r.Git("init", "-q")
	r.Git("symbolic-ref", "HEAD", "refs/heads/main")
	r.Git("config", "user.name", "Test")
	r.Git("config", "user.email", "test@example.com")
	r.Git("config", "commit.gpgsign", "false")
	r.WriteFile("README.md", "# test\n")
	r.WriteFile(".gitignore", ".worktrees/\n")
	r.CommitAll("initial commit")
	return r
}

// Git runs git in the repository root and fails the test on error.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	return r.GitIn(r.Root, args...)
}

// GitIn runs git in dir and fails the test on error.
func (r *Repo) GitIn(dir string, args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to a path relative to the repository root.
func (r *Repo) WriteFile(rel, content string) {
	r.t.Helper()
	r.WriteFileIn(r.Root, rel, content)
}

func (r *Repo) WriteFileIn(dir, rel, content string) {
	r.t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		r.t.Fatalf("write %s: %v", rel, err)
	}
}

func (r *Repo) CommitAll(message string) string {
	r.t.Helper()
	return r.CommitAllIn(r.Root, message)
}

func (r *Repo) CommitAllIn(dir, message string) string {
	r.t.Helper()
	r.GitIn(dir, "add", "-A")
	r.GitIn(dir, "commit", "-q", "--no-verify", "-m", message)
	return r.GitIn(dir, "rev-parse", "HEAD")
}

// Rev resolves rev in the repository root.
func (r *Repo) Rev(rev string) string {
	r.t.Helper()
	return r.Git("rev-parse", rev)
}

// Branch creates branch at the current main tip without checking it out.
func (r *Repo) Branch(name string) {
	r.t.Helper()
	r.Git("branch", name, "main")
}

// AddWorktree checks branch out in a linked worktree at <root>/<rel> and returns its path.
func (r *Repo) AddWorktree(rel, branch string) string {
	r.t.Helper()
	path := filepath.Join(r.Root, rel)
	r.Git("worktree", "add", "-q", path, branch)
	return path
}

// CommitOnBranch commits a file change on branch through its worktree.
func (r *Repo) CommitOnBranch(worktree, file, content, message string) string {
	r.t.Helper()
	r.WriteFileIn(worktree, file, content)
	return r.CommitAllIn(worktree, message)
}
