// Package setup initializes a repository's mergequeue state directory.
package setup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/mergequeue/internal/config"
	"github.com/msageha/mergequeue/internal/model"
	"github.com/msageha/mergequeue/templates"
)

// StateDirName mirrors daemon.StateDirName; setup must not import the daemon.
const StateDirName = ".mergequeue"

// Options controls Run.
type Options struct {
	RepoRoot string
	// Format selects the config file written: yaml (annotated template), toml or json.
	Format config.Format
	// Force overwrites an existing config file. The previous file is kept as .bak.
	Force bool
}

// Result lists what Run created.
type Result struct {
	StateDir   string
	ConfigPath string
	Excluded   bool // state dir added to .git/info/exclude
}

// Run creates <repo>/.mergequeue with its logs directory and a default
// config file, and keeps the state directory out of git status.
func Run(opts Options) (Result, error) {
	absDir, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return Result{}, fmt.Errorf("resolve repo dir: %w", err)
	}
	if info, err := os.Stat(absDir); err != nil {
		return Result{}, fmt.Errorf("repo dir: %w", err)
	} else if !info.IsDir() {
		return Result{}, fmt.Errorf("%s is not a directory", absDir)
	}

	format := opts.Format
	if format == "" {
		format = config.FormatYAML
	}

	base := filepath.Join(absDir, StateDirName)
	if err := os.MkdirAll(filepath.Join(base, "logs"), 0755); err != nil {
		return Result{}, fmt.Errorf("create directory logs: %w", err)
	}

	cfgPath := filepath.Join(base, "config."+string(format))
	if _, err := os.Stat(cfgPath); err == nil && !opts.Force {
		return Result{}, fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	}
	if err := writeConfig(cfgPath, format); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", filepath.Base(cfgPath), err)
	}

	excluded, err := excludeStateDir(absDir)
	if err != nil {
		return Result{}, fmt.Errorf("update git exclude: %w", err)
	}
	return Result{StateDir: base, ConfigPath: cfgPath, Excluded: excluded}, nil
}

func writeConfig(path string, format config.Format) error {
	switch format {
	case config.FormatYAML:
		return config.WriteRaw(path, templates.ConfigYAML)
	case config.FormatTOML, config.FormatJSON:
		return config.Save(path, model.DefaultConfig())
	}
	return model.NewError(model.KindConfig, "unknown config format %q", format)
}

// excludeStateDir appends the state directory to .git/info/exclude. It
// reports false when the repository has no .git directory (linked worktrees
// and non-git dirs) or the entry is already present.
func excludeStateDir(repoRoot string) (bool, error) {
	gitDir := filepath.Join(repoRoot, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return false, nil
	}

	pattern := "/" + StateDirName + "/"
	path := filepath.Join(gitDir, "info", "exclude")
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == pattern {
				f.Close()
				return false, nil
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return false, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	prefix := ""
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		data, err := os.ReadFile(path)
		if err == nil && !strings.HasSuffix(string(data), "\n") {
			prefix = "\n"
		}
	}
	if _, err := fmt.Fprintf(f, "%s%s\n", prefix, pattern); err != nil {
		return false, err
	}
	return true, nil
}
