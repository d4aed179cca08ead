package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/observability"
)

const (
	selectOTPRecord = `SELECT principal_id, code, expires_at, attempts, locked_until, updated_at
		FROM otp_records WHERE principal_id = $1`

	upsertOTPRecord = `INSERT INTO otp_records (principal_id, code, expires_at, attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (principal_id) DO UPDATE SET
			code = excluded.code,
			expires_at = excluded.expires_at,
			attempts = excluded.attempts,
			locked_until = excluded.locked_until,
			updated_at = excluded.updated_at`
)

// OTPRepository stores OTP records in otp_records. Mutate holds a row lock
// (SELECT ... FOR UPDATE) on Postgres and the database write lock on SQLite
// for the length of the mutation.
type OTPRepository struct {
	db      DBPool
	dialect Dialect
}

func NewOTPRepository(db DBPool, dialect Dialect) *OTPRepository {
	return &OTPRepository{db: db, dialect: dialect}
}

func (r *OTPRepository) lockingSelect() string {
	if r.dialect == DialectPostgres {
		return selectOTPRecord + " FOR UPDATE"
	}
	return selectOTPRecord
}

func scanOTPRecord(row Row) (*models.OTPRecord, error) {
	var (
		rec  models.OTPRecord
		code *string
	)
	if err := row.Scan(&rec.PrincipalID, &code, &rec.ExpiresAt, &rec.Attempts, &rec.LockedUntil, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if code != nil {
		rec.Code = *code
	}
	return &rec, nil
}

// Load returns nil when the principal has no row.
func (r *OTPRepository) Load(ctx context.Context, principalID string) (*models.OTPRecord, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpDBQuery, "OTPRepository.Load")
	rec, err := scanOTPRecord(r.db.QueryRow(ctx, selectOTPRecord, principalID))
	if isNoRows(err) {
		observability.FinishSpan(span, nil)
		return nil, nil
	}
	observability.FinishSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("failed to load otp record: %w", err)
	}
	return rec, nil
}

func (r *OTPRepository) Mutate(ctx context.Context, principalID string, fn models.OTPMutation) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpDBQuery, "OTPRepository.Mutate")
	defer func() { observability.FinishSpan(span, err) }()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin otp transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	rec, err := scanOTPRecord(tx.QueryRow(ctx, r.lockingSelect(), principalID))
	switch {
	case isNoRows(err):
		rec = &models.OTPRecord{PrincipalID: principalID}
	case err != nil:
		return fmt.Errorf("failed to lock otp record: %w", err)
	}

	changed, err := fn(rec)
	if err != nil {
		return err
	}
	if changed {
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		if _, err = tx.Exec(ctx, upsertOTPRecord,
			principalID,
			nullableString(rec.Code),
			utcPtr(rec.ExpiresAt),
			rec.Attempts,
			utcPtr(rec.LockedUntil),
			updatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save otp record: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit otp transaction: %w", err)
	}
	committed = true
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
