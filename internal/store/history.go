package store

import (
	"context"
	"database/sql"

	"github.com/msageha/mergequeue/internal/model"
)

// RecordMerge appends a merge_history row. Rows are never updated or deleted.
func (s *Store) RecordMerge(ctx context.Context, rec model.MergeRecord) (int64, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if rec.MergedAt.IsZero() {
		rec.MergedAt = s.now()
	}
	return insertMerge(ctx, db, rec)
}

func insertMerge(ctx context.Context, db execer, rec model.MergeRecord) (int64, error) {
	var sha sql.NullString
	if rec.CommitSHA != "" {
		sha = sql.NullString{String: rec.CommitSHA, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO merge_history (entry_id, agent_id, session_id, commit_sha, merged_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.EntryID, rec.AgentID, rec.SessionID, sha, formatTime(rec.MergedAt))
	if err != nil {
		return 0, storageErr("record merge "+rec.EntryID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("record merge: last insert id", err)
	}
	return id, nil
}

// SessionMerges returns the merge history of a session in merge order.
func (s *Store) SessionMerges(ctx context.Context, sessionID string) ([]model.MergeRecord, error) {
	return s.queryMerges(ctx, `WHERE session_id = ? ORDER BY id ASC`, sessionID)
}

// EntryMerges returns the history rows for one entry.
func (s *Store) EntryMerges(ctx context.Context, entryID string) ([]model.MergeRecord, error) {
	return s.queryMerges(ctx, `WHERE entry_id = ? ORDER BY id ASC`, entryID)
}

// History returns the most recent merges in merge order; limit <= 0 returns all.
func (s *Store) History(ctx context.Context, limit int) ([]model.MergeRecord, error) {
	if limit <= 0 {
		return s.queryMerges(ctx, `ORDER BY id ASC`)
	}
	return s.queryMerges(ctx, `WHERE id IN (SELECT id FROM merge_history ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
}

func (s *Store) queryMerges(ctx context.Context, clause string, args ...any) ([]model.MergeRecord, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := db.QueryContext(ctx, `
		SELECT id, entry_id, agent_id, session_id, commit_sha, merged_at
		FROM merge_history `+clause, args...)
	if err != nil {
		return nil, storageErr("query merge history", err)
	}
	defer rows.Close()

	records := []model.MergeRecord{}
	for rows.Next() {
		var (
			rec      model.MergeRecord
			sha      sql.NullString
			mergedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.EntryID, &rec.AgentID, &rec.SessionID, &sha, &mergedAt); err != nil {
			return nil, storageErr("scan merge record", err)
		}
		rec.CommitSHA = sha.String
		if rec.MergedAt, err = parseTime(mergedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate merge history", err)
	}
	return records, nil
}
