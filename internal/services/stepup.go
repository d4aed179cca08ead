package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	stepUpIssuer     = "hrguard"
	stepUpMethodOTP  = "otp"
	defaultStepUpTTL = 5 * time.Minute
	minStepUpSecret  = 32
)

var (
	ErrStepUpDisabled = errors.New("step-up grants are not configured")
	ErrInvalidStepUp  = errors.New("invalid step-up grant")
)

// StepUpClaims is the body of a step-up grant. Subject is the principal that
// passed OTP verification.
type StepUpClaims struct {
	Method string `json:"amr"`
	jwt.RegisteredClaims
}

// StepUpGrant is a signed proof of a recent successful verification that
// sensitive routes can require without re-running the OTP flow.
type StepUpGrant struct {
	Token     string
	ExpiresAt time.Time
}

// StepUpIssuer signs and validates HS256 step-up grants.
type StepUpIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  Clock
}

// NewStepUpIssuer returns nil when secret is empty so callers can treat grants
// as optional. Secrets shorter than 32 bytes are rejected.
func NewStepUpIssuer(secret string, ttl time.Duration, clock Clock) (*StepUpIssuer, error) {
	if secret == "" {
		return nil, nil
	}
	if len(secret) < minStepUpSecret {
		return nil, fmt.Errorf("step-up secret must be at least %d bytes", minStepUpSecret)
	}
	if ttl <= 0 {
		ttl = defaultStepUpTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &StepUpIssuer{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

func (s *StepUpIssuer) Issue(principalID string) (*StepUpGrant, error) {
	if s == nil {
		return nil, ErrStepUpDisabled
	}
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	now := s.clock.Now()
	expires := now.Add(s.ttl)
	claims := StepUpClaims{
		Method: stepUpMethodOTP,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stepUpIssuer,
			Subject:   principalID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign step-up grant: %w", err)
	}
	return &StepUpGrant{Token: token, ExpiresAt: expires.Truncate(time.Second)}, nil
}

// Validate parses token and returns its claims. Every failure wraps
// ErrInvalidStepUp.
func (s *StepUpIssuer) Validate(token string) (*StepUpClaims, error) {
	if s == nil {
		return nil, ErrStepUpDisabled
	}
	claims := &StepUpClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stepUpIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStepUp, err)
	}
	if claims.Subject == "" || claims.Method != stepUpMethodOTP {
		return nil, fmt.Errorf("%w: missing subject or method", ErrInvalidStepUp)
	}
	return claims, nil
}

func (s *StepUpIssuer) TTL() time.Duration {
	if s == nil {
		return 0
	}
	return s.ttl
}
