// Package model defines the data structures for the merge daemon's configuration, queue entries, sessions and errors.
package model

import (
	"fmt"
	"strings"
	"time"
)

type MergeStrategy string

const (
	StrategyMerge  MergeStrategy = "merge"
	StrategyRebase MergeStrategy = "rebase"
	StrategySquash MergeStrategy = "squash"
)

// RequeuePolicy decides where an auto-rebased conflicting entry goes back into the FIFO.
type RequeuePolicy string

const (
	RequeueBack    RequeuePolicy = "back"
	RequeueInPlace RequeuePolicy = "in_place"
)

type Config struct {
	MaxQueueSize        int           `yaml:"max_queue_size" toml:"max_queue_size" json:"max_queue_size"`
	MaxConcurrentMerges int           `yaml:"max_concurrent_merges" toml:"max_concurrent_merges" json:"max_concurrent_merges"`
	MaxRetries          int           `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	MergeStrategy       MergeStrategy `yaml:"merge_strategy" toml:"merge_strategy" json:"merge_strategy"`
	MergeTimeoutSecs    int           `yaml:"merge_timeout_secs" toml:"merge_timeout_secs" json:"merge_timeout_secs"`
	AutoRebase          bool          `yaml:"auto_rebase" toml:"auto_rebase" json:"auto_rebase"`
	AgentBranchPrefix   string        `yaml:"agent_branch_prefix" toml:"agent_branch_prefix" json:"agent_branch_prefix"`
	FeatureBranchPrefix string        `yaml:"feature_branch_prefix" toml:"feature_branch_prefix" json:"feature_branch_prefix"`
	WorktreeDir         string        `yaml:"worktree_dir" toml:"worktree_dir" json:"worktree_dir"`
	PreserveWorktrees   bool          `yaml:"preserve_worktrees" toml:"preserve_worktrees" json:"preserve_worktrees"`
	SessionTimeoutSecs  int           `yaml:"session_timeout_secs" toml:"session_timeout_secs" json:"session_timeout_secs"`

	ConflictRequeue     RequeuePolicy `yaml:"conflict_requeue" toml:"conflict_requeue" json:"conflict_requeue"`
	RetryBackoffMs      int           `yaml:"retry_backoff_ms" toml:"retry_backoff_ms" json:"retry_backoff_ms"`
	ShutdownTimeoutSecs int           `yaml:"shutdown_timeout_secs" toml:"shutdown_timeout_secs" json:"shutdown_timeout_secs"`
	JanitorIntervalSecs int           `yaml:"janitor_interval_secs" toml:"janitor_interval_secs" json:"janitor_interval_secs"`
	LogLevel            string        `yaml:"log_level" toml:"log_level" json:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        100,
		MaxConcurrentMerges: 1,
		MaxRetries:          3,
		MergeStrategy:       StrategyRebase,
		MergeTimeoutSecs:    300,
		AutoRebase:          true,
		AgentBranchPrefix:   "agent/",
		FeatureBranchPrefix: "feature/",
		WorktreeDir:         ".worktrees",
		PreserveWorktrees:   false,
		SessionTimeoutSecs:  3600,
		ConflictRequeue:     RequeueBack,
		RetryBackoffMs:      0,
		ShutdownTimeoutSecs: 30,
		JanitorIntervalSecs: 60,
		LogLevel:            "info",
	}
}

func (c Config) MergeTimeout() time.Duration {
	return time.Duration(c.MergeTimeoutSecs) * time.Second
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSecs) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

// RetryBackoff returns the delay before an entry with the given number of
// failed attempts becomes eligible again. The base doubles per attempt.
func (c Config) RetryBackoff(attempts int) time.Duration {
	if c.RetryBackoffMs <= 0 || attempts <= 0 {
		return 0
	}
	shift := attempts - 1
	if shift > 10 {
		shift = 10
	}
	return time.Duration(c.RetryBackoffMs) * time.Millisecond << shift
}

func (c Config) Validate() error {
	var problems []string
	if c.MaxQueueSize <= 0 {
		problems = append(problems, "max_queue_size must be positive")
	}
	if c.MaxConcurrentMerges <= 0 {
		problems = append(problems, "max_concurrent_merges must be positive")
	}
	if c.MaxRetries <= 0 {
		problems = append(problems, "max_retries must be positive")
	}
	if c.MergeTimeoutSecs <= 0 {
		problems = append(problems, "merge_timeout_secs must be positive")
	}
	switch c.MergeStrategy {
	case StrategyMerge, StrategyRebase, StrategySquash:
	default:
		problems = append(problems, fmt.Sprintf("unknown merge_strategy %q (want merge, rebase or squash)", c.MergeStrategy))
	}
	switch c.ConflictRequeue {
	case RequeueBack, RequeueInPlace:
	default:
		problems = append(problems, fmt.Sprintf("unknown conflict_requeue %q (want back or in_place)", c.ConflictRequeue))
	}
	if c.RetryBackoffMs < 0 {
		problems = append(problems, "retry_backoff_ms must not be negative")
	}
	if c.WorktreeDir == "" {
		problems = append(problems, "worktree_dir is required")
	}
	if c.LogLevel != "" && !ValidLogLevel(c.LogLevel) {
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if len(problems) > 0 {
		return NewError(KindConfig, "%s", strings.Join(problems, "; "))
	}
	return nil
}
