package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/msageha/mergequeue/internal/events"
	"github.com/msageha/mergequeue/internal/model"
	"github.com/msageha/mergequeue/internal/queue"
	"github.com/msageha/mergequeue/internal/uds"
)

// Command names accepted on the control socket.
const (
	CmdPing          = "ping"
	CmdEnqueue       = "enqueue"
	CmdStatus        = "status"
	CmdQueue         = "queue"
	CmdCancel        = "cancel"
	CmdClearFailed   = "clear_failed"
	CmdSessionCreate = "session_create"
	CmdSessionGet    = "session_get"
	CmdSessionClose  = "session_close"
	CmdSessionList   = "session_list"
	CmdHistory       = "history"
	CmdConfig        = "config"
	CmdShutdown      = "shutdown"
)

// PingResult is the ping response payload.
type PingResult struct {
	Status     string      `json:"status"`
	PID        int         `json:"pid"`
	Version    string      `json:"version"`
	RepoRoot   string      `json:"repo_root"`
	UptimeSecs int64       `json:"uptime_secs"`
	Queue      queue.Stats `json:"queue"`
}

// EnqueueResult is returned for an admitted entry. Position is 1-based.
type EnqueueResult struct {
	EntryID  string           `json:"entry_id"`
	Position int              `json:"position"`
	Entry    model.QueueEntry `json:"entry"`
}

type StatusParams struct {
	EntryID string `json:"entry_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// StatusResult reports one entry. Position is 0 once the entry has left the queue.
type StatusResult struct {
	Entry    model.QueueEntry `json:"entry"`
	Position int              `json:"position"`
}

type QueueResult struct {
	Entries []model.QueueEntry `json:"entries"`
	Stats   queue.Stats        `json:"stats"`
}

type CancelParams struct {
	EntryID string `json:"entry_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

type ClearFailedParams struct {
	EntryID string `json:"entry_id,omitempty"`
}

type ClearFailedResult struct {
	Cleared int `json:"cleared"`
}

// SessionCreateParams opens a session. Every field is optional: the id is
// generated, the feature branch is feature_branch_prefix+id and the base is
// the repository's current branch.
type SessionCreateParams struct {
	SessionID      string  `json:"session_id,omitempty"`
	FeatureBranch  string  `json:"feature_branch,omitempty"`
	BaseBranch     string  `json:"base_branch,omitempty"`
	OriginalPrompt *string `json:"original_prompt,omitempty"`
}

type SessionParams struct {
	SessionID string `json:"session_id"`
}

type SessionResult struct {
	Session model.Session       `json:"session"`
	Entries []model.QueueEntry  `json:"entries"`
	Merges  []model.MergeRecord `json:"merges"`
}

// SessionListParams filters by state ("active" or "closed"); empty lists all.
type SessionListParams struct {
	State string `json:"state,omitempty"`
}

type SessionListResult struct {
	Sessions []model.Session `json:"sessions"`
}

type HistoryParams struct {
	SessionID string `json:"session_id,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type HistoryResult struct {
	Merges []model.MergeRecord `json:"merges"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(CmdPing, d.handlePing)
	d.server.Handle(CmdEnqueue, d.handleEnqueue)
	d.server.Handle(CmdStatus, d.handleStatus)
	d.server.Handle(CmdQueue, d.handleQueue)
	d.server.Handle(CmdCancel, d.handleCancel)
	d.server.Handle(CmdClearFailed, d.handleClearFailed)
	d.server.Handle(CmdSessionCreate, d.handleSessionCreate)
	d.server.Handle(CmdSessionGet, d.handleSessionGet)
	d.server.Handle(CmdSessionClose, d.handleSessionClose)
	d.server.Handle(CmdSessionList, d.handleSessionList)
	d.server.Handle(CmdHistory, d.handleHistory)
	d.server.Handle(CmdConfig, d.handleConfig)
	d.server.Handle(CmdShutdown, d.handleShutdown)
}

func (d *Daemon) handlePing(ctx context.Context, req *uds.Request) *uds.Response {
	return uds.SuccessResponse(PingResult{
		Status:     "ok",
		PID:        os.Getpid(),
		Version:    d.opts.Version,
		RepoRoot:   d.opts.RepoRoot,
		UptimeSecs: int64(time.Since(d.startedAt).Seconds()),
		Queue:      d.engine.Stats(),
	})
}

func (d *Daemon) handleEnqueue(ctx context.Context, req *uds.Request) *uds.Response {
	var params queue.EnqueueRequest
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}

	id, err := d.engine.Enqueue(ctx, params)
	if err != nil {
		d.log(model.LogLevelDebug, "enqueue rejected agent=%s: %v", params.AgentID, err)
		return errorResponse(err)
	}
	entry, err := d.engine.Get(ctx, id)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(EnqueueResult{
		EntryID:  id,
		Position: d.position(id),
		Entry:    entry,
	})
}

func (d *Daemon) handleStatus(ctx context.Context, req *uds.Request) *uds.Response {
	var params StatusParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}

	var (
		entry model.QueueEntry
		err   error
	)
	switch {
	case params.EntryID != "":
		entry, err = d.engine.Get(ctx, params.EntryID)
	case params.AgentID != "":
		entry, err = d.agentEntry(ctx, params.AgentID)
	default:
		return uds.ErrorResponse(uds.ErrCodeValidation, "entry_id or agent_id is required")
	}
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(StatusResult{Entry: entry, Position: d.position(entry.ID)})
}

// agentEntry returns the agent's queued entry, or its most recent persisted
// entry once it has left the queue.
func (d *Daemon) agentEntry(ctx context.Context, agentID string) (model.QueueEntry, error) {
	if entry, ok := d.engine.AgentEntry(agentID); ok {
		return entry, nil
	}
	entries, err := d.store.EntriesForAgent(ctx, agentID)
	if err != nil {
		return model.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return model.QueueEntry{}, model.NotFound(model.KindAgentNotFound, agentID)
	}
	return entries[len(entries)-1], nil
}

func (d *Daemon) handleQueue(ctx context.Context, req *uds.Request) *uds.Response {
	return uds.SuccessResponse(QueueResult{
		Entries: d.engine.Snapshot(),
		Stats:   d.engine.Stats(),
	})
}

func (d *Daemon) handleCancel(ctx context.Context, req *uds.Request) *uds.Response {
	var params CancelParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}

	id := params.EntryID
	if id == "" {
		if params.AgentID == "" {
			return uds.ErrorResponse(uds.ErrCodeValidation, "entry_id or agent_id is required")
		}
		entry, ok := d.engine.AgentEntry(params.AgentID)
		if !ok {
			return errorResponse(model.NotFound(model.KindAgentNotFound, params.AgentID))
		}
		id = entry.ID
	}

	if err := d.engine.Cancel(ctx, id); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"entry_id": id})
}

func (d *Daemon) handleClearFailed(ctx context.Context, req *uds.Request) *uds.Response {
	var params ClearFailedParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}
	n, err := d.engine.ClearFailed(ctx, params.EntryID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(ClearFailedResult{Cleared: n})
}

func (d *Daemon) handleSessionCreate(ctx context.Context, req *uds.Request) *uds.Response {
	var params SessionCreateParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}
	if d.engine.ShuttingDown() {
		return errorResponse(model.ErrShuttingDown)
	}

	sess, err := d.createSession(ctx, params)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(sess)
}

func (d *Daemon) createSession(ctx context.Context, params SessionCreateParams) (model.Session, error) {
	id := params.SessionID
	if id == "" {
		var err error
		if id, err = model.NewID(); err != nil {
			return model.Session{}, model.WrapError(model.KindIO, err, "generate session id")
		}
	} else if strings.ContainsAny(id, " \t\r\n/") {
		return model.Session{}, model.NewError(model.KindInvalidRequest, "invalid session id %q", id)
	}

	if _, err := d.store.GetSession(ctx, id); err == nil {
		return model.Session{}, model.NewError(model.KindInvalidRequest, "session %s already exists", id)
	} else if model.KindOf(err) != model.KindSessionNotFound {
		return model.Session{}, err
	}

	base := params.BaseBranch
	if base == "" {
		current, err := d.git.CurrentBranch(ctx)
		if err != nil || current == "HEAD" {
			current = "main"
		}
		base = current
	}
	if ok, err := d.git.BranchExists(ctx, base); err != nil {
		return model.Session{}, model.WrapError(model.KindGit, err, "check base branch %s", base)
	} else if !ok {
		return model.Session{}, model.NotFound(model.KindBranchNotFound, base)
	}

	feature := params.FeatureBranch
	if feature == "" {
		feature = d.config.FeatureBranchPrefix + id
	}
	exists, err := d.git.BranchExists(ctx, feature)
	if err != nil {
		return model.Session{}, model.WrapError(model.KindGit, err, "check feature branch %s", feature)
	}
	if !exists {
		if err := d.git.CreateBranch(ctx, feature, base); err != nil {
			return model.Session{}, model.WrapError(model.KindGit, err, "create feature branch %s", feature)
		}
		d.log(model.LogLevelInfo, "created feature branch %s from %s", feature, base)
	}

	sess := model.Session{
		ID:             id,
		FeatureBranch:  feature,
		BaseBranch:     base,
		OriginalPrompt: params.OriginalPrompt,
		State:          model.SessionActive,
	}
	if err := d.store.SaveSession(ctx, &sess); err != nil {
		return model.Session{}, err
	}
	d.log(model.LogLevelInfo, "session created id=%s feature=%s base=%s", id, feature, base)
	return sess, nil
}

func (d *Daemon) handleSessionGet(ctx context.Context, req *uds.Request) *uds.Response {
	var params SessionParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}
	if params.SessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "session_id is required")
	}

	sess, err := d.store.GetSession(ctx, params.SessionID)
	if err != nil {
		return errorResponse(err)
	}
	entries, err := d.store.EntriesForSession(ctx, sess.ID)
	if err != nil {
		return errorResponse(err)
	}
	merges, err := d.store.SessionMerges(ctx, sess.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(SessionResult{Session: sess, Entries: entries, Merges: merges})
}

// handleSessionClose closes a session. Sessions with entries still in the
// queue cannot be closed.
func (d *Daemon) handleSessionClose(ctx context.Context, req *uds.Request) *uds.Response {
	var params SessionParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}
	if params.SessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "session_id is required")
	}

	sess, closed, err := d.engine.CloseSession(ctx, params.SessionID)
	if err != nil {
		return errorResponse(err)
	}
	if !closed {
		return uds.SuccessResponse(sess)
	}
	d.publishSessionClosed(sess.ID, "closed by client")
	d.log(model.LogLevelInfo, "session closed id=%s", sess.ID)
	return uds.SuccessResponse(sess)
}

func (d *Daemon) handleSessionList(ctx context.Context, req *uds.Request) *uds.Response {
	var params SessionListParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}
	var state model.SessionState
	if params.State != "" {
		st, err := model.ParseSessionState(params.State)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		state = st
	}
	sessions, err := d.store.ListSessions(ctx, state)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(SessionListResult{Sessions: sessions})
}

func (d *Daemon) handleHistory(ctx context.Context, req *uds.Request) *uds.Response {
	var params HistoryParams
	if err := req.DecodeParams(&params); err != nil {
		return invalidParams(err)
	}

	var (
		merges []model.MergeRecord
		err    error
	)
	switch {
	case params.SessionID != "" && params.EntryID != "":
		return uds.ErrorResponse(uds.ErrCodeValidation, "session_id and entry_id are mutually exclusive")
	case params.SessionID != "":
		if _, err := d.store.GetSession(ctx, params.SessionID); err != nil {
			return errorResponse(err)
		}
		merges, err = d.store.SessionMerges(ctx, params.SessionID)
	case params.EntryID != "":
		merges, err = d.store.EntryMerges(ctx, params.EntryID)
	default:
		merges, err = d.store.History(ctx, params.Limit)
	}
	if err != nil {
		return errorResponse(err)
	}
	if merges == nil {
		merges = []model.MergeRecord{}
	}
	return uds.SuccessResponse(HistoryResult{Merges: merges})
}

func (d *Daemon) handleConfig(ctx context.Context, req *uds.Request) *uds.Response {
	if d.watcher != nil {
		return uds.SuccessResponse(d.watcher.Current())
	}
	cfg := d.config
	cfg.LogLevel = d.level().String()
	return uds.SuccessResponse(cfg)
}

func (d *Daemon) handleShutdown(ctx context.Context, req *uds.Request) *uds.Response {
	d.log(model.LogLevelInfo, "shutdown requested via UDS")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"message": "shutdown initiated"})
}

// position returns the 1-based queue position of id, or 0 if it is not queued.
func (d *Daemon) position(id string) int {
	for i, entry := range d.engine.Snapshot() {
		if entry.ID == id {
			return i + 1
		}
	}
	return 0
}

func (d *Daemon) publishSessionClosed(id, detail string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		Type:      events.EventSessionClosed,
		Timestamp: time.Now().UTC(),
		SessionID: id,
		Detail:    detail,
	})
}

func invalidParams(err error) *uds.Response {
	return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
}

// errorResponse maps a daemon error onto its stable response code. Errors
// without a kind are internal.
func errorResponse(err error) *uds.Response {
	var e *model.Error
	if !errors.As(err, &e) {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	msg := err.Error()
	switch e.Kind {
	case model.KindQueueFull:
		return uds.ErrorResponseWithDetails(uds.ErrCodeQueueFull, msg, map[string]any{"capacity": e.Limit})
	case model.KindAgentAlreadyQueued:
		return uds.ErrorResponseWithDetails(uds.ErrCodeDuplicate, msg, map[string]any{"agent_id": e.ID})
	case model.KindShuttingDown:
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, msg)
	case model.KindAgentNotFound, model.KindSessionNotFound, model.KindBranchNotFound, model.KindEntryNotFound:
		return uds.ErrorResponseWithDetails(uds.ErrCodeNotFound, msg, map[string]any{"kind": string(e.Kind), "id": e.ID})
	case model.KindInvalidRequest, model.KindConfig:
		return uds.ErrorResponse(uds.ErrCodeValidation, msg)
	case model.KindNotCancellable:
		return uds.ErrorResponse(uds.ErrCodeNotCancellable, msg)
	case model.KindMergeConflict:
		return uds.ErrorResponseWithDetails(uds.ErrCodeMergeConflict, msg, map[string]any{"files": e.Files})
	case model.KindMaxRetriesExceeded:
		return uds.ErrorResponseWithDetails(uds.ErrCodeMaxRetriesExceeded, msg, map[string]any{"agent_id": e.ID, "attempts": e.Attempts})
	default:
		return uds.ErrorResponseWithDetails(uds.ErrCodeInternal, msg, map[string]any{"kind": string(e.Kind)})
	}
}
