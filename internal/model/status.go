package model

import "fmt"

// EntryStatus is the lifecycle state of a queue entry. The string value is the
// exact text stored in queue_entries.status and used by recovery filters.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusCompleted  EntryStatus = "completed"
	StatusConflict   EntryStatus = "conflict"
	StatusFailed     EntryStatus = "failed"
)

type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

var terminalStatuses = map[EntryStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// pending → processing → completed | conflict | failed
// processing → pending is the crash-recovery reset and the transient-failure retry.
// conflict → pending (requeue) | failed (retries exhausted or auto_rebase off)
var validEntryTransitions = map[EntryStatus]map[EntryStatus]bool{
	StatusPending: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusConflict:  true,
		StatusFailed:    true,
	},
	StatusConflict: {
		StatusPending: true,
		StatusFailed:  true,
	},
}

// RecoverableStatuses are the persisted statuses reloaded into the FIFO on startup.
var RecoverableStatuses = []EntryStatus{StatusPending, StatusProcessing}

func IsTerminal(s EntryStatus) bool {
	return terminalStatuses[s]
}

func ParseEntryStatus(s string) (EntryStatus, error) {
	switch st := EntryStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusConflict, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown entry status %q", s)
}

func ParseSessionState(s string) (SessionState, error) {
	switch st := SessionState(s); st {
	case SessionActive, SessionClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

func ValidateEntryTransition(from, to EntryStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validEntryTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid entry transition: %q → %q", from, to)
	}
	return nil
}
