package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/irfndi/hrguard/internal/models"
	"go.uber.org/zap"
)

const (
	defaultOTPLength       = 6
	defaultOTPExpiry       = 10 * time.Minute
	defaultOTPMaxAttempts  = 3
	defaultLockoutDuration = 15 * time.Minute

	otpAlphabet = "0123456789"
)

// OTPConfig holds the step-up policy. Zero fields fall back to the defaults.
type OTPConfig struct {
	CodeLength      int
	Expiry          time.Duration
	MaxAttempts     int
	LockoutDuration time.Duration
}

// DefaultOTPConfig returns a 6-digit, 10 minute, 3 attempt, 15 minute lockout policy.
func DefaultOTPConfig() OTPConfig {
	return OTPConfig{
		CodeLength:      defaultOTPLength,
		Expiry:          defaultOTPExpiry,
		MaxAttempts:     defaultOTPMaxAttempts,
		LockoutDuration: defaultLockoutDuration,
	}
}

func (c OTPConfig) withDefaults() OTPConfig {
	d := DefaultOTPConfig()
	if c.CodeLength <= 0 {
		c.CodeLength = d.CodeLength
	}
	if c.Expiry <= 0 {
		c.Expiry = d.Expiry
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = d.LockoutDuration
	}
	return c
}

type VerifyStatus string

const (
	VerifySuccess      VerifyStatus = "success"
	VerifyNoCodeIssued VerifyStatus = "no_code_issued"
	VerifyExpired      VerifyStatus = "expired"
	VerifyLocked       VerifyStatus = "locked"
	VerifyLockedNow    VerifyStatus = "locked_now"
	VerifyIncorrect    VerifyStatus = "incorrect"
)

// VerifyResult is the policy outcome of a verification attempt.
// AttemptsRemaining is set for VerifyIncorrect; LockMinutes and LockedUntil
// are set for VerifyLocked and VerifyLockedNow.
type VerifyResult struct {
	Status            VerifyStatus
	AttemptsRemaining int
	LockMinutes       int
	LockedUntil       time.Time
}

// Message renders the outcome for the end user.
func (r VerifyResult) Message() string {
	switch r.Status {
	case VerifySuccess:
		return "OTP verified"
	case VerifyNoCodeIssued:
		return "No OTP has been issued, please request a new one"
	case VerifyExpired:
		return "OTP has expired, please request a new one"
	case VerifyLocked, VerifyLockedNow:
		return fmt.Sprintf("Too many failed attempts, locked for %d %s", r.LockMinutes, plural(r.LockMinutes, "minute"))
	case VerifyIncorrect:
		return fmt.Sprintf("Invalid OTP, %d %s remaining", r.AttemptsRemaining, plural(r.AttemptsRemaining, "attempt"))
	default:
		return "Unknown verification outcome"
	}
}

// IssuedCode is returned to the caller for out-of-band delivery.
type IssuedCode struct {
	PrincipalID string
	Code        string
	ExpiresAt   time.Time
}

// ChallengeStatus is a read-only view of a principal's OTP record.
type ChallengeStatus struct {
	PrincipalID string     `json:"principal_id"`
	Outstanding bool       `json:"outstanding"`
	Expired     bool       `json:"expired"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Attempts    int        `json:"attempts"`
	Locked      bool       `json:"locked"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// OTPGuard issues and verifies one outstanding numeric code per principal,
// counting failed attempts and locking the principal out after too many.
type OTPGuard struct {
	store  OTPStore
	config OTPConfig
	clock  Clock
	sink   CodeSink
	codes  CodeGenerator
	logger *zap.Logger
}

// CodeGenerator produces a numeric code of the given length.
type CodeGenerator func(length int) (string, error)

type OTPGuardOption func(*OTPGuard)

func WithOTPClock(clock Clock) OTPGuardOption {
	return func(g *OTPGuard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func WithCodeSink(sink CodeSink) OTPGuardOption {
	return func(g *OTPGuard) { g.sink = sink }
}

// WithCodeGenerator replaces the crypto/rand generator, mostly for tests.
func WithCodeGenerator(gen CodeGenerator) OTPGuardOption {
	return func(g *OTPGuard) {
		if gen != nil {
			g.codes = gen
		}
	}
}

func WithOTPLogger(logger *zap.Logger) OTPGuardOption {
	return func(g *OTPGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewOTPGuard(store OTPStore, config OTPConfig, opts ...OTPGuardOption) *OTPGuard {
	g := &OTPGuard{
		store:  store,
		config: config.withDefaults(),
		clock:  SystemClock{},
		codes:  generateNumericCode,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "otp_guard"))
	return g
}

func (g *OTPGuard) Config() OTPConfig {
	return g.config
}

// Issue replaces any outstanding code for principalID with a fresh one,
// resetting the attempt counter and any lockout. When a CodeSink is configured
// the code is handed to it after it has been stored; a sink failure returns the
// issued code together with an error wrapping ErrDelivery.
func (g *OTPGuard) Issue(ctx context.Context, principalID string) (*IssuedCode, error) {
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}

	code, err := g.codes(g.config.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	now := g.clock.Now()
	expiresAt := now.Add(g.config.Expiry)

	err = g.store.Mutate(ctx, principalID, func(rec *models.OTPRecord) (bool, error) {
		rec.Reset()
		rec.Code = code
		rec.ExpiresAt = &expiresAt
		rec.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, storageErr("issue", principalID, err)
	}

	g.logger.Info("one-time code issued",
		zap.String("principal_id", principalID),
		zap.Time("expires_at", expiresAt),
	)

	issued := &IssuedCode{PrincipalID: principalID, Code: code, ExpiresAt: expiresAt}
	if g.sink != nil {
		if err := g.sink.Deliver(ctx, principalID, code, expiresAt); err != nil {
			g.logger.Warn("one-time code delivery failed",
				zap.String("principal_id", principalID),
				zap.Error(err),
			)
			return issued, fmt.Errorf("%w: %v", ErrDelivery, err)
		}
	}
	return issued, nil
}

// Verify checks supplied against the outstanding code. Surrounding whitespace
// is trimmed; otherwise the match is exact.
func (g *OTPGuard) Verify(ctx context.Context, principalID, supplied string) (VerifyResult, error) {
	if principalID == "" {
		return VerifyResult{}, ErrEmptyPrincipal
	}

	supplied = strings.TrimSpace(supplied)
	now := g.clock.Now()

	var result VerifyResult
	err := g.store.Mutate(ctx, principalID, func(rec *models.OTPRecord) (bool, error) {
		var changed bool
		result, changed = g.evaluate(rec, supplied, now)
		return changed, nil
	})
	if err != nil {
		return VerifyResult{}, storageErr("verify", principalID, err)
	}

	g.logOutcome(principalID, result)
	return result, nil
}

// evaluate applies one verification attempt to rec. It must only be called
// from inside OTPStore.Mutate.
func (g *OTPGuard) evaluate(rec *models.OTPRecord, supplied string, now time.Time) (VerifyResult, bool) {
	changed := false

	if rec.LockedUntil != nil {
		if now.Before(*rec.LockedUntil) {
			return VerifyResult{
				Status:      VerifyLocked,
				LockMinutes: minutesCeil(rec.LockedUntil.Sub(now)),
				LockedUntil: *rec.LockedUntil,
			}, false
		}
		// Lock deadline passed: the principal starts over with a full allowance.
		rec.LockedUntil = nil
		rec.Attempts = 0
		rec.UpdatedAt = now
		changed = true
	}

	if !rec.HasCode() {
		return VerifyResult{Status: VerifyNoCodeIssued}, changed
	}

	if rec.ExpiresAt == nil || now.After(*rec.ExpiresAt) {
		return VerifyResult{Status: VerifyExpired}, changed
	}

	if subtle.ConstantTimeCompare([]byte(supplied), []byte(rec.Code)) == 1 {
		rec.Reset()
		rec.UpdatedAt = now
		return VerifyResult{Status: VerifySuccess}, true
	}

	rec.Attempts++
	rec.UpdatedAt = now
	if rec.Attempts >= g.config.MaxAttempts {
		until := now.Add(g.config.LockoutDuration)
		rec.LockedUntil = &until
		return VerifyResult{
			Status:      VerifyLockedNow,
			LockMinutes: minutesCeil(g.config.LockoutDuration),
			LockedUntil: until,
		}, true
	}

	return VerifyResult{
		Status:            VerifyIncorrect,
		AttemptsRemaining: g.config.MaxAttempts - rec.Attempts,
	}, true
}

// Clear resets every OTP field for principalID.
func (g *OTPGuard) Clear(ctx context.Context, principalID string) error {
	if principalID == "" {
		return ErrEmptyPrincipal
	}
	now := g.clock.Now()
	err := g.store.Mutate(ctx, principalID, func(rec *models.OTPRecord) (bool, error) {
		if !rec.HasCode() && rec.Attempts == 0 && rec.LockedUntil == nil && rec.ExpiresAt == nil {
			return false, nil
		}
		rec.Reset()
		rec.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return storageErr("clear", principalID, err)
	}
	g.logger.Info("one-time code cleared", zap.String("principal_id", principalID))
	return nil
}

// IsChallengeOutstanding reports whether a code is on record, expired or not.
func (g *OTPGuard) IsChallengeOutstanding(ctx context.Context, principalID string) (bool, error) {
	if principalID == "" {
		return false, ErrEmptyPrincipal
	}
	rec, err := g.store.Load(ctx, principalID)
	if err != nil {
		return false, storageErr("load", principalID, err)
	}
	return rec.HasCode(), nil
}

func (g *OTPGuard) Status(ctx context.Context, principalID string) (*ChallengeStatus, error) {
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	rec, err := g.store.Load(ctx, principalID)
	if err != nil {
		return nil, storageErr("load", principalID, err)
	}

	status := &ChallengeStatus{PrincipalID: principalID}
	if rec == nil {
		return status, nil
	}

	now := g.clock.Now()
	status.Outstanding = rec.HasCode()
	status.Attempts = rec.Attempts
	status.ExpiresAt = rec.ExpiresAt
	status.Expired = status.Outstanding && (rec.ExpiresAt == nil || now.After(*rec.ExpiresAt))
	if rec.IsLockedAt(now) {
		status.Locked = true
		until := *rec.LockedUntil
		status.LockedUntil = &until
	}
	return status, nil
}

func (g *OTPGuard) logOutcome(principalID string, result VerifyResult) {
	fields := []zap.Field{
		zap.String("principal_id", principalID),
		zap.String("outcome", string(result.Status)),
	}
	switch result.Status {
	case VerifySuccess:
		g.logger.Info("one-time code verified", fields...)
	case VerifyLockedNow:
		g.logger.Warn("principal locked out after failed one-time code attempts",
			append(fields, zap.Time("locked_until", result.LockedUntil))...)
	case VerifyIncorrect:
		g.logger.Info("one-time code rejected",
			append(fields, zap.Int("attempts_remaining", result.AttemptsRemaining))...)
	default:
		g.logger.Debug("one-time code verification refused", fields...)
	}
}

func generateNumericCode(length int) (string, error) {
	code := make([]byte, length)
	max := big.NewInt(int64(len(otpAlphabet)))
	for i := range code {
		num, err := cryptorand.Int(cryptorand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = otpAlphabet[num.Int64()]
	}
	return string(code), nil
}

func minutesCeil(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
