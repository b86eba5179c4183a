// Package status renders daemon responses for the terminal.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/msageha/mergequeue/internal/daemon"
	"github.com/msageha/mergequeue/internal/model"
	"github.com/msageha/mergequeue/internal/queue"
)

const timeFormat = time.RFC3339

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func WritePing(w io.Writer, p daemon.PingResult) {
	uptime := time.Duration(p.UptimeSecs) * time.Second
	fmt.Fprintf(w, "Daemon: running (pid %d, version %s, up %s)\n", p.PID, p.Version, uptime)
	fmt.Fprintf(w, "Repo:   %s\n", p.RepoRoot)
	fmt.Fprintf(w, "Queue:  %s\n", summary(p.Queue))
}

// WriteEntry prints one entry as aligned key/value lines.
func WriteEntry(w io.Writer, r daemon.StatusResult) {
	e := r.Entry
	fmt.Fprintf(w, "Entry:     %s\n", e.ID)
	fmt.Fprintf(w, "Agent:     %s\n", e.AgentID)
	fmt.Fprintf(w, "Session:   %s\n", e.SessionID)
	fmt.Fprintf(w, "Branch:    %s -> %s\n", e.Branch, e.TargetBranch)
	fmt.Fprintf(w, "Worktree:  %s\n", e.Worktree)
	if r.Position > 0 {
		fmt.Fprintf(w, "Status:    %s (position %d)\n", e.Status, r.Position)
	} else {
		fmt.Fprintf(w, "Status:    %s\n", e.Status)
	}
	fmt.Fprintf(w, "Attempts:  %d\n", e.Attempts)
	fmt.Fprintf(w, "Queued:    %s\n", formatTime(e.QueuedAt))
	if len(e.ConflictFiles) > 0 {
		fmt.Fprintf(w, "Conflicts: %s\n", strings.Join(e.ConflictFiles, ", "))
	}
	if e.LastError != nil {
		fmt.Fprintf(w, "Error:     %s\n", *e.LastError)
	}
}

// WriteQueue prints the queue in scheduling order.
func WriteQueue(w io.Writer, r daemon.QueueResult) {
	if len(r.Entries) == 0 {
		fmt.Fprintf(w, "Queue is empty (capacity %d)\n", r.Stats.Capacity)
		return
	}
	fmt.Fprintf(w, "Queue: %s\n", summary(r.Stats))
	if len(r.Stats.InFlight) > 0 {
		fmt.Fprintf(w, "Merging into: %s\n", strings.Join(r.Stats.InFlight, ", "))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-4s %-16s %-11s %8s  %-24s %-24s %s\n", "POS", "AGENT", "STATUS", "ATTEMPTS", "BRANCH", "TARGET", "ENTRY")
	for i, e := range r.Entries {
		fmt.Fprintf(w, "%-4d %-16s %-11s %8d  %-24s %-24s %s\n",
			i+1, e.AgentID, e.Status, e.Attempts, e.Branch, e.TargetBranch, e.ID)
	}
}

func WriteSession(w io.Writer, r daemon.SessionResult) {
	s := r.Session
	fmt.Fprintf(w, "Session:  %s (%s)\n", s.ID, s.State)
	fmt.Fprintf(w, "Feature:  %s (from %s)\n", s.FeatureBranch, s.BaseBranch)
	fmt.Fprintf(w, "Created:  %s\n", formatTime(s.CreatedAt))
	if s.OriginalPrompt != nil {
		fmt.Fprintf(w, "Prompt:   %s\n", *s.OriginalPrompt)
	}

	if len(r.Entries) == 0 {
		fmt.Fprintln(w, "\nEntries: none")
	} else {
		fmt.Fprintln(w, "\nEntries:")
		for _, e := range r.Entries {
			fmt.Fprintf(w, "  %-16s %-11s attempts=%d  %s\n", e.AgentID, e.Status, e.Attempts, e.ID)
		}
	}

	if len(r.Merges) == 0 {
		fmt.Fprintln(w, "\nMerges: none")
		return
	}
	fmt.Fprintln(w, "\nMerges:")
	for _, m := range r.Merges {
		fmt.Fprintf(w, "  %s  %s  %-16s %s\n", formatTime(m.MergedAt), shortSHA(m.CommitSHA), m.AgentID, m.EntryID)
	}
}

// WriteSessions lists sessions one per line.
func WriteSessions(w io.Writer, sessions []model.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return
	}
	fmt.Fprintf(w, "%-24s %-7s %-28s %-16s %s\n", "SESSION", "STATE", "FEATURE", "BASE", "CREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%-24s %-7s %-28s %-16s %s\n",
			s.ID, s.State, s.FeatureBranch, s.BaseBranch, formatTime(s.CreatedAt))
	}
}

func WriteHistory(w io.Writer, merges []model.MergeRecord) {
	if len(merges) == 0 {
		fmt.Fprintln(w, "No merges recorded")
		return
	}
	fmt.Fprintf(w, "%-20s  %-12s  %-16s %-16s %s\n", "MERGED_AT", "COMMIT", "AGENT", "SESSION", "ENTRY")
	for _, m := range merges {
		fmt.Fprintf(w, "%-20s  %-12s  %-16s %-16s %s\n",
			formatTime(m.MergedAt), shortSHA(m.CommitSHA), m.AgentID, m.SessionID, m.EntryID)
	}
}

func summary(s queue.Stats) string {
	line := fmt.Sprintf("%d/%d active (pending %d, processing %d, conflict %d)",
		s.Active, s.Capacity, s.Pending, s.Processing, s.Conflict)
	if s.Stalled > 0 {
		line += fmt.Sprintf(", %d awaiting store retry", s.Stalled)
	}
	if s.ShutDown {
		line += ", shutting down"
	}
	return line
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeFormat)
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
