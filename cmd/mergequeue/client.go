package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/mergequeue/internal/daemon"
	"github.com/msageha/mergequeue/internal/model"
	"github.com/msageha/mergequeue/internal/queue"
	"github.com/msageha/mergequeue/internal/status"
)

var (
	enqueueSession  string
	enqueueBranch   string
	enqueueWorktree string
	enqueueTarget   string

	statusAgent string
	cancelAgent string

	sessionID      string
	sessionFeature string
	sessionBase    string
	sessionPrompt  string
	sessionState   string

	historySession string
	historyEntry   string
	historyLimit   int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <agent-id>",
	Short: "Queue an agent's branch for merging into its session",
	Long: `Queue an agent's work for merging into the session's feature branch.

The branch defaults to agent_branch_prefix+<agent-id>, the worktree to
<worktree_dir>/<agent-id> and the target to the session's feature branch.

Examples:
  mergequeue enqueue a1 --session s1
  mergequeue enqueue a2 --session s1 --branch agent/a2-retry`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var statusCmd = &cobra.Command{
	Use:   "status [entry-id]",
	Short: "Show one queue entry by id or by --agent",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued entries in merge order",
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [entry-id]",
	Short: "Remove a pending or conflicted entry from the queue",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCancel,
}

var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed [entry-id]",
	Short: "Delete failed entries (all of them without an id)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClearFailed,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage merge sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a session and its feature branch",
	Args:  cobra.NoArgs,
	RunE:  runSessionCreate,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its entries and merges",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session with no queued entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionClose,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions in creation order",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List completed merges, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueSession, "session", "s", "", "Session id (required)")
	enqueueCmd.Flags().StringVar(&enqueueBranch, "branch", "", "Agent branch (default: agent_branch_prefix+<agent-id>)")
	enqueueCmd.Flags().StringVar(&enqueueWorktree, "worktree", "", "Agent worktree (default: <worktree_dir>/<agent-id>)")
	enqueueCmd.Flags().StringVar(&enqueueTarget, "target", "", "Target branch (default: the session's feature branch)")
	_ = enqueueCmd.MarkFlagRequired("session")

	statusCmd.Flags().StringVar(&statusAgent, "agent", "", "Look up the agent's entry instead of an entry id")
	cancelCmd.Flags().StringVar(&cancelAgent, "agent", "", "Cancel the agent's queued entry")

	sessionCreateCmd.Flags().StringVar(&sessionID, "id", "", "Session id (default: generated)")
	sessionCreateCmd.Flags().StringVar(&sessionFeature, "feature", "", "Feature branch (default: feature_branch_prefix+<id>)")
	sessionCreateCmd.Flags().StringVar(&sessionBase, "base", "", "Base branch (default: the current branch)")
	sessionCreateCmd.Flags().StringVar(&sessionPrompt, "prompt", "", "Prompt that started the session")
	sessionListCmd.Flags().StringVar(&sessionState, "state", "", "Only sessions in this state (active or closed)")
	sessionCmd.AddCommand(sessionCreateCmd, sessionShowCmd, sessionCloseCmd, sessionListCmd)

	historyCmd.Flags().StringVar(&historySession, "session", "", "Only merges of this session")
	historyCmd.Flags().StringVar(&historyEntry, "entry", "", "Only merges of this entry")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum merges to list")

	rootCmd.AddCommand(enqueueCmd, statusCmd, queueCmd, cancelCmd, clearFailedCmd,
		sessionCmd, historyCmd, pingCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	req := queue.EnqueueRequest{
		AgentID:      args[0],
		SessionID:    enqueueSession,
		Branch:       enqueueBranch,
		Worktree:     enqueueWorktree,
		TargetBranch: enqueueTarget,
	}
	var res daemon.EnqueueResult
	if err := call(cmd, daemon.CmdEnqueue, req, &res); err != nil {
		return err
	}
	return render(cmd, res, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s (%s -> %s) at position %d\n",
			res.EntryID, res.Entry.Branch, res.Entry.TargetBranch, res.Position)
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	params := daemon.StatusParams{AgentID: statusAgent}
	if len(args) == 1 {
		params.EntryID = args[0]
	}
	if (params.EntryID == "") == (params.AgentID == "") {
		return fmt.Errorf("give either an entry id or --agent")
	}
	var res daemon.StatusResult
	if err := call(cmd, daemon.CmdStatus, params, &res); err != nil {
		return err
	}
	return render(cmd, res, func() { status.WriteEntry(cmd.OutOrStdout(), res) })
}

func runQueue(cmd *cobra.Command, args []string) error {
	var res daemon.QueueResult
	if err := call(cmd, daemon.CmdQueue, nil, &res); err != nil {
		return err
	}
	return render(cmd, res, func() { status.WriteQueue(cmd.OutOrStdout(), res) })
}

func runCancel(cmd *cobra.Command, args []string) error {
	params := daemon.CancelParams{AgentID: cancelAgent}
	if len(args) == 1 {
		params.EntryID = args[0]
	}
	if (params.EntryID == "") == (params.AgentID == "") {
		return fmt.Errorf("give either an entry id or --agent")
	}
	var res map[string]string
	if err := call(cmd, daemon.CmdCancel, params, &res); err != nil {
		return err
	}
	return render(cmd, res, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", res["entry_id"])
	})
}

func runClearFailed(cmd *cobra.Command, args []string) error {
	var params daemon.ClearFailedParams
	if len(args) == 1 {
		params.EntryID = args[0]
	}
	var res daemon.ClearFailedResult
	if err := call(cmd, daemon.CmdClearFailed, params, &res); err != nil {
		return err
	}
	return render(cmd, res, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d failed entries\n", res.Cleared)
	})
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	params := daemon.SessionCreateParams{
		SessionID:     sessionID,
		FeatureBranch: sessionFeature,
		BaseBranch:    sessionBase,
	}
	if sessionPrompt != "" {
		params.OriginalPrompt = &sessionPrompt
	}
	var sess model.Session
	if err := call(cmd, daemon.CmdSessionCreate, params, &sess); err != nil {
		return err
	}
	return render(cmd, sess, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s created: %s (from %s)\n", sess.ID, sess.FeatureBranch, sess.BaseBranch)
	})
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	var res daemon.SessionResult
	if err := call(cmd, daemon.CmdSessionGet, daemon.SessionParams{SessionID: args[0]}, &res); err != nil {
		return err
	}
	return render(cmd, res, func() { status.WriteSession(cmd.OutOrStdout(), res) })
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	var sess model.Session
	if err := call(cmd, daemon.CmdSessionClose, daemon.SessionParams{SessionID: args[0]}, &sess); err != nil {
		return err
	}
	return render(cmd, sess, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s closed\n", sess.ID)
	})
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var res daemon.SessionListResult
	if err := call(cmd, daemon.CmdSessionList, daemon.SessionListParams{State: sessionState}, &res); err != nil {
		return err
	}
	return render(cmd, res, func() { status.WriteSessions(cmd.OutOrStdout(), res.Sessions) })
}

func runHistory(cmd *cobra.Command, args []string) error {
	params := daemon.HistoryParams{SessionID: historySession, EntryID: historyEntry, Limit: historyLimit}
	var res daemon.HistoryResult
	if err := call(cmd, daemon.CmdHistory, params, &res); err != nil {
		return err
	}
	return render(cmd, res, func() { status.WriteHistory(cmd.OutOrStdout(), res.Merges) })
}

func runPing(cmd *cobra.Command, args []string) error {
	var res daemon.PingResult
	if err := call(cmd, daemon.CmdPing, nil, &res); err != nil {
		return err
	}
	return render(cmd, res, func() { status.WritePing(cmd.OutOrStdout(), res) })
}
