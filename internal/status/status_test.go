package status

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/mergequeue/internal/daemon"
	"github.com/msageha/mergequeue/internal/model"
	"github.com/msageha/mergequeue/internal/queue"
)

var (
	t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	t1 = time.Date(2026, 3, 1, 9, 41, 12, 0, time.UTC)
	t2 = time.Date(2026, 3, 1, 10, 2, 45, 0, time.UTC)
)

const (
	entry1 = "0195f1a2-7c00-7000-8000-000000000001"
	entry2 = "0195f1a2-7c00-7000-8000-000000000002"
	entry3 = "0195f1a2-7c00-7000-8000-000000000003"
)

func assertGolden(t *testing.T, name string, render func(*bytes.Buffer)) {
	t.Helper()
	var buf bytes.Buffer
	render(&buf)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, buf.Bytes())
}

func strPtr(s string) *string { return &s }

func entry(id, agent string, status model.EntryStatus, attempts int, target string) model.QueueEntry {
	return model.QueueEntry{
		ID:            id,
		AgentID:       agent,
		SessionID:     "sess-1",
		Branch:        "agent/" + agent,
		Worktree:      "/repo/.worktrees/" + agent,
		TargetBranch:  target,
		Attempts:      attempts,
		QueuedAt:      t0,
		Status:        status,
		ConflictFiles: []string{},
	}
}

func TestWriteEntry(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		e := entry(entry1, "agent-7", model.StatusPending, 2, "feature/sess-1")
		e.LastError = strPtr("worktree: concurrent merge into feature/sess-1")
		assertGolden(t, "entry_pending", func(b *bytes.Buffer) {
			WriteEntry(b, daemon.StatusResult{Entry: e, Position: 2})
		})
	})

	t.Run("failed", func(t *testing.T) {
		e := entry(entry1, "agent-7", model.StatusFailed, 3, "feature/sess-1")
		e.ConflictFiles = []string{"api.go", "store/db.go"}
		e.LastError = strPtr("max retries exceeded")
		assertGolden(t, "entry_failed", func(b *bytes.Buffer) {
			WriteEntry(b, daemon.StatusResult{Entry: e})
		})
	})
}

func TestWriteQueue(t *testing.T) {
	t.Run("entries", func(t *testing.T) {
		res := daemon.QueueResult{
			Entries: []model.QueueEntry{
				entry(entry1, "agent-7", model.StatusProcessing, 1, "feature/sess-1"),
				entry(entry2, "agent-3", model.StatusPending, 0, "feature/sess-1"),
				entry(entry3, "reviewer", model.StatusPending, 2, "feature/sess-2"),
			},
			Stats: queue.Stats{Pending: 2, Processing: 1, Active: 3, Capacity: 100, InFlight: []string{"feature/sess-1"}},
		}
		assertGolden(t, "queue", func(b *bytes.Buffer) { WriteQueue(b, res) })
	})

	t.Run("empty", func(t *testing.T) {
		res := daemon.QueueResult{Stats: queue.Stats{Capacity: 100, InFlight: []string{}}}
		assertGolden(t, "queue_empty", func(b *bytes.Buffer) { WriteQueue(b, res) })
	})
}

func TestWriteSession(t *testing.T) {
	t.Run("with activity", func(t *testing.T) {
		res := daemon.SessionResult{
			Session: model.Session{
				ID:             "sess-1",
				FeatureBranch:  "feature/sess-1",
				BaseBranch:     "main",
				OriginalPrompt: strPtr("split the parser into lexer and grammar"),
				CreatedAt:      t0,
				State:          model.SessionActive,
			},
			Entries: []model.QueueEntry{entry(entry2, "agent-3", model.StatusPending, 0, "feature/sess-1")},
			Merges: []model.MergeRecord{{
				ID: 1, EntryID: entry1, AgentID: "agent-7", SessionID: "sess-1",
				CommitSHA: "9f1c2ab34d5e6f7a8b9c0d1e2f3a4b5c6d7e8f90", MergedAt: t1,
			}},
		}
		assertGolden(t, "session", func(b *bytes.Buffer) { WriteSession(b, res) })
	})

	t.Run("empty", func(t *testing.T) {
		res := daemon.SessionResult{
			Session: model.Session{
				ID:            "sess-2",
				FeatureBranch: "feature/sess-2",
				BaseBranch:    "develop",
				CreatedAt:     t0,
				State:         model.SessionClosed,
			},
		}
		assertGolden(t, "session_empty", func(b *bytes.Buffer) { WriteSession(b, res) })
	})
}

func TestWriteSessions(t *testing.T) {
	t.Run("sessions", func(t *testing.T) {
		sessions := []model.Session{
			{ID: "sess-1", FeatureBranch: "feature/sess-1", BaseBranch: "main", CreatedAt: t0, State: model.SessionActive},
			{ID: "0195f1a2-7c00-7000-8000-00000000000a", FeatureBranch: "feature/parser-split", BaseBranch: "develop",
				CreatedAt: t1, State: model.SessionClosed},
		}
		assertGolden(t, "sessions", func(b *bytes.Buffer) { WriteSessions(b, sessions) })
	})

	t.Run("empty", func(t *testing.T) {
		assertGolden(t, "sessions_empty", func(b *bytes.Buffer) { WriteSessions(b, nil) })
	})
}

func TestWriteHistory(t *testing.T) {
	merges := []model.MergeRecord{
		{ID: 1, EntryID: entry1, AgentID: "agent-7", SessionID: "sess-1", CommitSHA: "9f1c2ab34d5e6f7a8b9c0d1e2f3a4b5c6d7e8f90", MergedAt: t1},
		{ID: 2, EntryID: entry2, AgentID: "agent-3", SessionID: "sess-1", CommitSHA: "04b7e1d2", MergedAt: t2},
	}
	assertGolden(t, "history", func(b *bytes.Buffer) { WriteHistory(b, merges) })
	assertGolden(t, "history_empty", func(b *bytes.Buffer) { WriteHistory(b, nil) })
}

func TestWritePing(t *testing.T) {
	p := daemon.PingResult{
		Status:     "ok",
		PID:        4242,
		Version:    "1.0.0",
		RepoRoot:   "/repo",
		UptimeSecs: 65,
		Queue:      queue.Stats{Processing: 1, Active: 1, Capacity: 100, Stalled: 1, ShutDown: true},
	}
	assertGolden(t, "ping", func(b *bytes.Buffer) { WritePing(b, p) })
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, daemon.ClearFailedResult{Cleared: 2}))
	assert.Equal(t, "{\n  \"cleared\": 2\n}\n", buf.String())

	var back daemon.ClearFailedResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, 2, back.Cleared)
}

func TestFormatTimeZero(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.Equal(t, "2026-03-01T09:30:00Z", formatTime(t0.In(time.FixedZone("JST", 9*3600))))
}
