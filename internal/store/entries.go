package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/msageha/mergequeue/internal/model"
)

const entryColumns = `q.id, q.agent_id, q.session_id, q.branch, q.worktree, q.target_branch,
	q.attempts, q.queued_at, q.status, q.last_error, q.conflict_files, q.updated_at,
	COALESCE(s.seq, 0)`

const entryFrom = `FROM queue_entries q LEFT JOIN entry_sequence s ON s.entry_id = q.id`

// InsertEntry persists a new entry and assigns its enqueue sequence in the same
// transaction. The returned seq is also written to entry.Seq.
func (s *Store) InsertEntry(ctx context.Context, entry *model.QueueEntry) (int64, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("insert entry: begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO entry_sequence (entry_id) VALUES (?)`, entry.ID)
	if err != nil {
		return 0, storageErr("insert entry: assign sequence", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert entry: read sequence", err)
	}

	entry.UpdatedAt = s.now()
	if err := upsertEntry(ctx, tx, entry); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("insert entry: commit", err)
	}

	entry.Seq = seq
	return seq, nil
}

// SaveEntry replaces the row for entry.ID entirely. Safe to call repeatedly.
func (s *Store) SaveEntry(ctx context.Context, entry *model.QueueEntry) error {
	db, unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entry.UpdatedAt = s.now()
	return upsertEntry(ctx, db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEntry(ctx context.Context, db execer, entry *model.QueueEntry) error {
	files := entry.ConflictFiles
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return model.WrapError(model.KindSerialization, err, "marshal conflict files")
	}

	var lastError sql.NullString
	if entry.LastError != nil {
		lastError = sql.NullString{String: *entry.LastError, Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO queue_entries
		(id, agent_id, session_id, branch, worktree, target_branch, attempts, queued_at, status, last_error, conflict_files, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.AgentID,
		entry.SessionID,
		entry.Branch,
		entry.Worktree,
		entry.TargetBranch,
		entry.Attempts,
		formatTime(entry.QueuedAt),
		string(entry.Status),
		lastError,
		string(filesJSON),
		formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return storageErr("save entry "+entry.ID, err)
	}
	return nil
}

// DeleteEntry removes an entry from the active table. merge_history is untouched.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	db, unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete entry: begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return storageErr("delete entry "+id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_sequence WHERE entry_id = ?`, id); err != nil {
		return storageErr("delete entry sequence "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete entry: commit", err)
	}
	return nil
}

// CompleteEntry appends the merge_history row for a successful merge and removes
// the entry from the active table atomically.
func (s *Store) CompleteEntry(ctx context.Context, entry *model.QueueEntry, commitSHA string) (model.MergeRecord, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return model.MergeRecord{}, err
	}
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.MergeRecord{}, storageErr("complete entry: begin tx", err)
	}
	defer tx.Rollback()

	rec := model.MergeRecord{
		EntryID:   entry.ID,
		AgentID:   entry.AgentID,
		SessionID: entry.SessionID,
		CommitSHA: commitSHA,
		MergedAt:  s.now(),
	}
	rec.ID, err = insertMerge(ctx, tx, rec)
	if err != nil {
		return model.MergeRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, entry.ID); err != nil {
		return model.MergeRecord{}, storageErr("complete entry: delete "+entry.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_sequence WHERE entry_id = ?`, entry.ID); err != nil {
		return model.MergeRecord{}, storageErr("complete entry: delete sequence "+entry.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return model.MergeRecord{}, storageErr("complete entry: commit", err)
	}
	return rec, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (model.QueueEntry, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return model.QueueEntry{}, err
	}
	defer unlock()

	row := db.QueryRowContext(ctx, `SELECT `+entryColumns+` `+entryFrom+` WHERE q.id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueEntry{}, model.NotFound(model.KindEntryNotFound, id)
	}
	if err != nil {
		return model.QueueEntry{}, err
	}
	return entry, nil
}

// LoadPendingEntries returns every entry persisted as pending or processing,
// ordered by queued_at then enqueue sequence.
func (s *Store) LoadPendingEntries(ctx context.Context) ([]model.QueueEntry, error) {
	return s.ListEntries(ctx, model.RecoverableStatuses...)
}

// ListEntries returns entries filtered by status (all entries when none given)
// in FIFO order.
func (s *Store) ListEntries(ctx context.Context, statuses ...model.EntryStatus) ([]model.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` ` + entryFrom
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE q.status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY q.queued_at ASC, s.seq ASC, q.id ASC`

	return s.queryEntries(ctx, query, args...)
}

// EntriesForAgent returns every persisted entry for the agent in FIFO order.
func (s *Store) EntriesForAgent(ctx context.Context, agentID string) ([]model.QueueEntry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` `+entryFrom+`
		WHERE q.agent_id = ? ORDER BY q.queued_at ASC, s.seq ASC`, agentID)
}

// EntriesForSession returns every persisted entry for the session in FIFO order.
func (s *Store) EntriesForSession(ctx context.Context, sessionID string) ([]model.QueueEntry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` `+entryFrom+`
		WHERE q.session_id = ? ORDER BY q.queued_at ASC, s.seq ASC`, sessionID)
}

// CountActive returns the number of non-terminal entries.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE status NOT IN (?, ?)`,
		string(model.StatusCompleted), string(model.StatusFailed)).Scan(&n)
	if err != nil {
		return 0, storageErr("count active entries", err)
	}
	return n, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]model.QueueEntry, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query entries", err)
	}
	defer rows.Close()

	entries := []model.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entries", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (model.QueueEntry, error) {
	var (
		entry     model.QueueEntry
		queuedAt  string
		status    string
		lastError sql.NullString
		files     sql.NullString
		updatedAt string
	)
	err := row.Scan(
		&entry.ID,
		&entry.AgentID,
		&entry.SessionID,
		&entry.Branch,
		&entry.Worktree,
		&entry.TargetBranch,
		&entry.Attempts,
		&queuedAt,
		&status,
		&lastError,
		&files,
		&updatedAt,
		&entry.Seq,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, err
	}
	if err != nil {
		return entry, storageErr("scan entry", err)
	}

	if entry.Status, err = model.ParseEntryStatus(status); err != nil {
		return entry, model.WrapError(model.KindSerialization, err, "entry %s", entry.ID)
	}
	if entry.QueuedAt, err = parseTime(queuedAt); err != nil {
		return entry, err
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return entry, err
	}
	if lastError.Valid {
		msg := lastError.String
		entry.LastError = &msg
	}
	entry.ConflictFiles = []string{}
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &entry.ConflictFiles); err != nil {
			return entry, model.WrapError(model.KindSerialization, err, "entry %s conflict_files", entry.ID)
		}
	}
	return entry, nil
}
