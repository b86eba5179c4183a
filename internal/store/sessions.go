package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/msageha/mergequeue/internal/model"
)

const sessionColumns = `id, feature_branch, base_branch, original_prompt, created_at, state, updated_at`

// SaveSession upserts a session row.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	db, unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	sess.UpdatedAt = s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}

	var prompt sql.NullString
	if sess.OriginalPrompt != nil {
		prompt = sql.NullString{String: *sess.OriginalPrompt, Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
		(id, feature_branch, base_branch, original_prompt, created_at, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID,
		sess.FeatureBranch,
		sess.BaseBranch,
		prompt,
		formatTime(sess.CreatedAt),
		string(sess.State),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return storageErr("save session "+sess.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return model.Session{}, err
	}
	defer unlock()

	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, model.NotFound(model.KindSessionNotFound, id)
	}
	return sess, err
}

// ListSessions returns sessions in creation order, filtered by state when non-empty.
func (s *Store) ListSessions(ctx context.Context, state model.SessionState) ([]model.Session, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query sessions", err)
	}
	defer rows.Close()

	sessions := []model.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sessions", err)
	}
	return sessions, nil
}

// CloseStaleSessions closes active sessions with no activity since cutoff and
// no non-terminal entries. Activity is the latest of the session's own
// updated_at, the queued_at/updated_at of its entries and the merged_at of
// its merges. Sessions listed in keep are never closed. Returns the closed ids.
func (s *Store) CloseStaleSessions(ctx context.Context, cutoff time.Time, keep ...string) ([]string, error) {
	db, unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("close stale sessions: begin tx", err)
	}
	defer tx.Rollback()

	at := formatTime(cutoff)
	query := `
		SELECT id FROM sessions
		WHERE state = ? AND updated_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM queue_entries q
			WHERE q.session_id = sessions.id
			AND (q.status NOT IN (?, ?) OR q.queued_at >= ? OR q.updated_at >= ?)
		)
		AND NOT EXISTS (
			SELECT 1 FROM merge_history h
			WHERE h.session_id = sessions.id AND h.merged_at >= ?
		)`
	args := []any{string(model.SessionActive), at,
		string(model.StatusCompleted), string(model.StatusFailed), at, at, at}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query stale sessions", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan stale session", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate stale sessions", err)
	}

	now := formatTime(s.now())
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?`,
			string(model.SessionClosed), now, id); err != nil {
			return nil, storageErr("close session "+id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("close stale sessions: commit", err)
	}
	return ids, nil
}

func scanSession(row scanner) (model.Session, error) {
	var (
		sess      model.Session
		prompt    sql.NullString
		createdAt string
		state     string
		updatedAt string
	)
	err := row.Scan(&sess.ID, &sess.FeatureBranch, &sess.BaseBranch, &prompt, &createdAt, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, err
	}
	if err != nil {
		return sess, storageErr("scan session", err)
	}
	if prompt.Valid {
		p := prompt.String
		sess.OriginalPrompt = &p
	}
	if sess.State, err = model.ParseSessionState(state); err != nil {
		return sess, model.WrapError(model.KindSerialization, err, "session %s", sess.ID)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return sess, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return sess, err
	}
	return sess, nil
}
