package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestConfigMarshalUnmarshal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 7
	cfg.MergeStrategy = StrategySquash
	cfg.ConflictRequeue = RequeueInPlace

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Config
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.MergeStrategy != StrategyRebase {
		t.Errorf("default strategy: got %q, want rebase", cfg.MergeStrategy)
	}
	if cfg.MaxConcurrentMerges != 1 {
		t.Errorf("default max_concurrent_merges: got %d, want 1", cfg.MaxConcurrentMerges)
	}
}

func TestConfigValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue size", func(c *Config) { c.MaxQueueSize = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentMerges = 0 }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"zero timeout", func(c *Config) { c.MergeTimeoutSecs = 0 }},
		{"bad strategy", func(c *Config) { c.MergeStrategy = "octopus" }},
		{"bad requeue", func(c *Config) { c.ConflictRequeue = "front" }},
		{"negative backoff", func(c *Config) { c.RetryBackoffMs = -1 }},
		{"empty worktree dir", func(c *Config) { c.WorktreeDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if KindOf(err) != KindConfig {
				t.Errorf("expected config kind, got %s", KindOf(err))
			}
		})
	}
}

func TestConfigRetryBackoff(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.RetryBackoff(3); got != 0 {
		t.Errorf("backoff disabled: got %v", got)
	}

	cfg.RetryBackoffMs = 100
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.RetryBackoff(tt.attempts); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestQueueEntryClone(t *testing.T) {
	e := QueueEntry{ID: "e1", ConflictFiles: []string{"a.go"}}
	e.SetError("boom")

	c := e.Clone()
	c.ConflictFiles[0] = "changed"
	*c.LastError = "changed"

	if e.ConflictFiles[0] != "a.go" {
		t.Error("clone aliases conflict files")
	}
	if *e.LastError != "boom" {
		t.Error("clone aliases last error")
	}

	e.ClearError()
	if e.LastError != nil {
		t.Error("ClearError should nil the pointer")
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLogLevel(" error "))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("loud"))
	assert.Equal(t, "WARN", LogLevelWarn.String())

	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}
