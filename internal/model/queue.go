package model

import "time"

// QueueEntry is one agent's pending integration request.
type QueueEntry struct {
	ID            string      `json:"id"`
	AgentID       string      `json:"agent_id"`
	SessionID     string      `json:"session_id"`
	Branch        string      `json:"branch"`
	Worktree      string      `json:"worktree"`
	TargetBranch  string      `json:"target_branch"`
	Attempts      int         `json:"attempts"`
	QueuedAt      time.Time   `json:"queued_at"`
	Status        EntryStatus `json:"status"`
	LastError     *string     `json:"last_error,omitempty"`
	ConflictFiles []string    `json:"conflict_files"`
	UpdatedAt     time.Time   `json:"updated_at"`

	// Seq is the enqueue sequence assigned by the store; it breaks queued_at ties.
	Seq int64 `json:"seq"`
}

func (e *QueueEntry) SetError(msg string) {
	e.LastError = &msg
}

func (e *QueueEntry) ClearError() {
	e.LastError = nil
}

// Clone returns a deep copy so callers outside the engine never alias its state.
func (e *QueueEntry) Clone() QueueEntry {
	c := *e
	if e.LastError != nil {
		msg := *e.LastError
		c.LastError = &msg
	}
	if e.ConflictFiles != nil {
		c.ConflictFiles = append([]string(nil), e.ConflictFiles...)
	}
	return c
}

// Session groups the entries produced by one multi-agent task.
type Session struct {
	ID             string       `json:"id"`
	FeatureBranch  string       `json:"feature_branch"`
	BaseBranch     string       `json:"base_branch"`
	OriginalPrompt *string      `json:"original_prompt,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	State          SessionState `json:"state"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MergeRecord is an immutable merge_history row.
type MergeRecord struct {
	ID        int64     `json:"id"`
	EntryID   string    `json:"entry_id"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id"`
	CommitSHA string    `json:"commit_sha"`
	MergedAt  time.Time `json:"merged_at"`
}
