// Package merger integrates an entry's branch into its target branch.
package merger

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/mergequeue/internal/model"
)

// Outcome is the result of one merge attempt: Success, Conflict or Failure.
type Outcome interface {
	isOutcome()
	String() string
}

// Success means the target branch now contains the entry's work.
type Success struct {
	CommitID string
}

// Conflict means the branch could not be integrated without manual resolution.
type Conflict struct {
	Files []string
}

// Failure is any other unsuccessful attempt. Kind classifies it.
type Failure struct {
	Reason string
	Kind   model.ErrorKind
}

func (Success) isOutcome()  {}
func (Conflict) isOutcome() {}
func (Failure) isOutcome()  {}

func (s Success) String() string {
	return "success " + s.CommitID
}

func (c Conflict) String() string {
	return "conflict in " + strings.Join(c.Files, ", ")
}

func (f Failure) String() string {
	return fmt.Sprintf("failure (%s): %s", f.Kind, f.Reason)
}

// Executor runs merges. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, entry model.QueueEntry) Outcome
	// Cleanup releases per-entry resources once the entry has left the queue.
	Cleanup(ctx context.Context, entry model.QueueEntry) error
}

// Func adapts a plain function to Executor. Cleanup is a no-op.
type Func func(ctx context.Context, entry model.QueueEntry) Outcome

func (f Func) Execute(ctx context.Context, entry model.QueueEntry) Outcome {
	return f(ctx, entry)
}

func (f Func) Cleanup(context.Context, model.QueueEntry) error { return nil }
