package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/hrguard/internal/models"
	"go.uber.org/zap"
)

const (
	defaultIdleTimeout   = 15 * time.Minute
	defaultWarningWindow = 2 * time.Minute
	defaultCountdownHint = 30 * time.Second
)

// SessionConfig holds the idle-timeout policy.
type SessionConfig struct {
	// IdleTimeout is the longest allowed gap between validated requests.
	IdleTimeout time.Duration
	// WarningWindow is the trailing part of IdleTimeout in which Touch reports NearingExpiry.
	WarningWindow time.Duration
	// CountdownHint is surfaced to clients for their expiry countdown. It is never enforced.
	CountdownHint time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:   defaultIdleTimeout,
		WarningWindow: defaultWarningWindow,
		CountdownHint: defaultCountdownHint,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.WarningWindow < 0 || c.WarningWindow > c.IdleTimeout {
		c.WarningWindow = 0
	}
	if c.CountdownHint < 0 {
		c.CountdownHint = 0
	}
	return c
}

type TouchStatus string

const (
	TouchValid   TouchStatus = "valid"
	TouchExpired TouchStatus = "expired"
)

// TouchResult describes a session at the moment of the check, before the refresh.
type TouchResult struct {
	Status        TouchStatus
	PrincipalID   string
	NearingExpiry bool
	Remaining     time.Duration
	Elapsed       time.Duration
	Countdown     time.Duration
}

func (r TouchResult) Valid() bool { return r.Status == TouchValid }

// RemainingSeconds truncates Remaining to whole seconds.
func (r TouchResult) RemainingSeconds() int {
	if r.Remaining <= 0 {
		return 0
	}
	return int(r.Remaining / time.Second)
}

func (r TouchResult) Message() string {
	if r.Status == TouchExpired {
		return "Session expired, please log in again"
	}
	if r.NearingExpiry {
		return "Session is about to expire"
	}
	return ""
}

// SessionGuard enforces the idle timeout of authenticated sessions. Warning is
// derived on every Touch and never stored.
type SessionGuard struct {
	store  SessionStore
	config SessionConfig
	clock  Clock
	logger *zap.Logger
}

type SessionGuardOption func(*SessionGuard)

func WithSessionClock(clock Clock) SessionGuardOption {
	return func(g *SessionGuard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func WithSessionLogger(logger *zap.Logger) SessionGuardOption {
	return func(g *SessionGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewSessionGuard(store SessionStore, config SessionConfig, opts ...SessionGuardOption) *SessionGuard {
	g := &SessionGuard{
		store:  store,
		config: config.withDefaults(),
		clock:  SystemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "session_guard"))
	return g
}

func (g *SessionGuard) Config() SessionConfig {
	return g.config
}

// Start records a new session for an already authenticated principal.
func (g *SessionGuard) Start(ctx context.Context, principalID string) (*models.SessionRecord, error) {
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	now := g.clock.Now()
	rec := &models.SessionRecord{
		SessionID:    uuid.NewString(),
		PrincipalID:  principalID,
		LastActivity: &now,
		CreatedAt:    now,
	}
	if err := g.store.Create(ctx, rec); err != nil {
		return nil, storageErr("start", rec.SessionID, err)
	}
	g.logger.Info("session started",
		zap.String("session_id", rec.SessionID),
		zap.String("principal_id", principalID),
	)
	return rec, nil
}

// Touch validates the session and refreshes its last activity. Sessions with no
// backing record are reported as expired. An expired session is left untouched;
// destroying it is up to the caller.
func (g *SessionGuard) Touch(ctx context.Context, sessionID string) (TouchResult, error) {
	if sessionID == "" {
		return TouchResult{Status: TouchExpired}, nil
	}

	now := g.clock.Now()
	var result TouchResult
	err := g.store.Mutate(ctx, sessionID, func(rec *models.SessionRecord) (bool, error) {
		var elapsed time.Duration
		if rec.LastActivity != nil {
			elapsed = now.Sub(*rec.LastActivity)
			if elapsed < 0 {
				elapsed = 0
			}
		}

		if elapsed > g.config.IdleTimeout {
			result = TouchResult{Status: TouchExpired, PrincipalID: rec.PrincipalID, Elapsed: elapsed}
			return false, nil
		}

		result = TouchResult{
			Status:        TouchValid,
			PrincipalID:   rec.PrincipalID,
			NearingExpiry: g.config.WarningWindow > 0 && elapsed >= g.config.IdleTimeout-g.config.WarningWindow,
			Remaining:     g.config.IdleTimeout - elapsed,
			Elapsed:       elapsed,
			Countdown:     g.config.CountdownHint,
		}

		// lastActivity only moves forward.
		if rec.LastActivity != nil && !now.After(*rec.LastActivity) {
			return false, nil
		}
		refreshed := now
		rec.LastActivity = &refreshed
		return true, nil
	})
	if errors.Is(err, models.ErrNotFound) {
		g.logger.Debug("touch on unknown session", zap.String("session_id", sessionID))
		return TouchResult{Status: TouchExpired}, nil
	}
	if err != nil {
		return TouchResult{}, storageErr("touch", sessionID, err)
	}

	if result.Status == TouchExpired {
		g.logger.Info("session idle timeout exceeded",
			zap.String("session_id", sessionID),
			zap.Duration("idle", result.Elapsed),
		)
	}
	return result, nil
}

// Invalidate removes the session. It is safe to call for unknown ids.
func (g *SessionGuard) Invalidate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	if err := g.store.Delete(ctx, sessionID); err != nil {
		return storageErr("invalidate", sessionID, err)
	}
	g.logger.Info("session invalidated", zap.String("session_id", sessionID))
	return nil
}

// InvalidatePrincipal removes every session of principalID.
func (g *SessionGuard) InvalidatePrincipal(ctx context.Context, principalID string) (int64, error) {
	if principalID == "" {
		return 0, ErrEmptyPrincipal
	}
	n, err := g.store.DeleteByPrincipal(ctx, principalID)
	if err != nil {
		return 0, storageErr("invalidate_principal", principalID, err)
	}
	g.logger.Info("principal sessions invalidated",
		zap.String("principal_id", principalID),
		zap.Int64("count", n),
	)
	return n, nil
}

// PurgeExpired deletes sessions idle for longer than the timeout. It exists for
// operators; Touch does not depend on it.
func (g *SessionGuard) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := g.clock.Now().Add(-g.config.IdleTimeout)
	n, err := g.store.DeleteIdleBefore(ctx, cutoff)
	if err != nil {
		return 0, storageErr("purge", "*", err)
	}
	return n, nil
}
