package services

import (
	"context"
	"time"

	"github.com/irfndi/hrguard/internal/models"
)

// OTPStore persists one OTPRecord per principal.
//
// Mutate is the atomicity unit for every OTP state transition: the store loads
// the current record (a zero record carrying only PrincipalID when none exists),
// runs fn while holding an exclusive per-principal lock, and writes the record
// back when fn reports a change. Implementations may use a row lock, a
// serializing transaction or a distributed lock, but two Mutate calls for the
// same principal must never interleave.
type OTPStore interface {
	// Load returns the record for principalID, or nil when none exists.
	Load(ctx context.Context, principalID string) (*models.OTPRecord, error)
	Mutate(ctx context.Context, principalID string, fn models.OTPMutation) error
}

// SessionStore persists one SessionRecord per session id.
// Mutate and Load return models.ErrNotFound when the session does not exist;
// Mutate never creates a record.
type SessionStore interface {
	Create(ctx context.Context, rec *models.SessionRecord) error
	Load(ctx context.Context, sessionID string) (*models.SessionRecord, error)
	Mutate(ctx context.Context, sessionID string, fn models.SessionMutation) error
	Delete(ctx context.Context, sessionID string) error
	DeleteByPrincipal(ctx context.Context, principalID string) (int64, error)
	// DeleteIdleBefore removes sessions whose last activity is older than cutoff.
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CodeSink receives freshly issued codes for out-of-band delivery.
type CodeSink interface {
	Deliver(ctx context.Context, principalID, code string, expiresAt time.Time) error
}
