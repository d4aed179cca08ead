package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/observability"
)

const (
	selectSession = `SELECT session_id, principal_id, last_activity, created_at
		FROM guard_sessions WHERE session_id = $1`

	insertSession = `INSERT INTO guard_sessions (session_id, principal_id, last_activity, created_at)
		VALUES ($1, $2, $3, $4)`

	updateSession = `UPDATE guard_sessions SET principal_id = $2, last_activity = $3 WHERE session_id = $1`

	deleteSession             = `DELETE FROM guard_sessions WHERE session_id = $1`
	deleteSessionsByPrincipal = `DELETE FROM guard_sessions WHERE principal_id = $1`
	deleteIdleSessions        = `DELETE FROM guard_sessions WHERE COALESCE(last_activity, created_at) < $1`
)

// SessionRepository stores session records in guard_sessions.
type SessionRepository struct {
	db      DBPool
	dialect Dialect
}

func NewSessionRepository(db DBPool, dialect Dialect) *SessionRepository {
	return &SessionRepository{db: db, dialect: dialect}
}

func scanSession(row Row) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	if err := row.Scan(&rec.SessionID, &rec.PrincipalID, &rec.LastActivity, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *SessionRepository) Create(ctx context.Context, rec *models.SessionRecord) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpDBQuery, "SessionRepository.Create")
	defer func() { observability.FinishSpan(span, err) }()

	if _, err = r.db.Exec(ctx, insertSession, rec.SessionID, rec.PrincipalID, utcPtr(rec.LastActivity), rec.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Load(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	rec, err := scanSession(r.db.QueryRow(ctx, selectSession, sessionID))
	if isNoRows(err) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return rec, nil
}

func (r *SessionRepository) Mutate(ctx context.Context, sessionID string, fn models.SessionMutation) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpDBQuery, "SessionRepository.Mutate")
	defer func() { observability.FinishSpan(span, err) }()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	query := selectSession
	if r.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}
	rec, err := scanSession(tx.QueryRow(ctx, query, sessionID))
	if isNoRows(err) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}

	changed, err := fn(rec)
	if err != nil {
		return err
	}
	if changed {
		if _, err = tx.Exec(ctx, updateSession, sessionID, rec.PrincipalID, utcPtr(rec.LastActivity)); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session transaction: %w", err)
	}
	committed = true
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.Exec(ctx, deleteSession, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByPrincipal(ctx context.Context, principalID string) (int64, error) {
	return r.deleteWhere(ctx, deleteSessionsByPrincipal, principalID)
}

func (r *SessionRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.deleteWhere(ctx, deleteIdleSessions, cutoff.UTC())
}

func (r *SessionRepository) deleteWhere(ctx context.Context, query string, arg any) (int64, error) {
	res, err := r.db.Exec(ctx, query, arg)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return n, nil
}
