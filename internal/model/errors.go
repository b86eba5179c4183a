package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind discriminates the daemon's error taxonomy. The set is closed; the
// control interface maps every kind to a response code.
type ErrorKind string

const (
	// transport / storage faults
	KindIO            ErrorKind = "io"
	KindStorage       ErrorKind = "storage"
	KindSerialization ErrorKind = "serialization"
	KindGit           ErrorKind = "git"

	// domain faults
	KindAgentNotFound   ErrorKind = "agent_not_found"
	KindSessionNotFound ErrorKind = "session_not_found"
	KindBranchNotFound  ErrorKind = "branch_not_found"
	KindEntryNotFound   ErrorKind = "entry_not_found"
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindNotCancellable  ErrorKind = "not_cancellable"

	// capacity faults
	KindQueueFull          ErrorKind = "queue_full"
	KindAgentAlreadyQueued ErrorKind = "agent_already_queued"

	// merge faults
	KindMergeConflict ErrorKind = "merge_conflict"
	KindWorktree      ErrorKind = "worktree"
	KindRebaseFailed  ErrorKind = "rebase_failed"
	KindTimeout       ErrorKind = "timeout"

	// terminal merge fault
	KindMaxRetriesExceeded ErrorKind = "max_retries_exceeded"

	// lifecycle
	KindShuttingDown ErrorKind = "shutting_down"
	KindConfig       ErrorKind = "config"
)

// Retryable reports whether the kind is absorbed by the engine's retry logic.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindMergeConflict, KindWorktree, KindRebaseFailed, KindTimeout, KindGit:
		return true
	}
	return false
}

// Error is the single concrete error type for daemon faults. Only the payload
// fields relevant to Kind are populated.
type Error struct {
	Kind    ErrorKind
	Message string

	ID       string   // agent, session, entry or branch identifier
	Files    []string // merge_conflict
	Limit    int      // queue_full capacity
	Attempts int      // max_retries_exceeded

	Err error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindAgentNotFound:
		msg = "agent not found: " + e.ID
	case KindSessionNotFound:
		msg = "session not found: " + e.ID
	case KindBranchNotFound:
		msg = "branch not found: " + e.ID
	case KindEntryNotFound:
		msg = "entry not found: " + e.ID
	case KindQueueFull:
		msg = fmt.Sprintf("queue is full (max: %d)", e.Limit)
	case KindAgentAlreadyQueued:
		msg = "agent already in queue: " + e.ID
	case KindMergeConflict:
		msg = "merge conflict in files: " + strings.Join(e.Files, ", ")
	case KindMaxRetriesExceeded:
		msg = fmt.Sprintf("max retries exceeded for agent %s after %d attempts", e.ID, e.Attempts)
	case KindShuttingDown:
		msg = "daemon shutdown in progress"
	default:
		msg = string(e.Kind)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, ErrShuttingDown) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.ID == "" && t.Message == ""
}

var (
	ErrShuttingDown = &Error{Kind: KindShuttingDown}
	ErrQueueFull    = &Error{Kind: KindQueueFull}
	ErrDuplicate    = &Error{Kind: KindAgentAlreadyQueued}
)

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func QueueFull(limit int) *Error {
	return &Error{Kind: KindQueueFull, Limit: limit}
}

func AgentAlreadyQueued(agentID string) *Error {
	return &Error{Kind: KindAgentAlreadyQueued, ID: agentID}
}

func NotFound(kind ErrorKind, id string) *Error {
	return &Error{Kind: kind, ID: id}
}

func MergeConflict(files []string) *Error {
	return &Error{Kind: KindMergeConflict, Files: append([]string(nil), files...)}
}

func MaxRetriesExceeded(agentID string, attempts int) *Error {
	return &Error{Kind: KindMaxRetriesExceeded, ID: agentID, Attempts: attempts}
}

// KindOf returns the kind of the first *Error in err's chain, or KindIO when the
// chain carries no classified error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}
