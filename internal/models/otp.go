package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// OTPRecord is the persisted step-up challenge for one principal.
// An empty Code means no challenge is outstanding.
type OTPRecord struct {
	PrincipalID string     `json:"principal_id" db:"principal_id"`
	Code        string     `json:"-" db:"code"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Attempts    int        `json:"attempts" db:"attempts"`
	LockedUntil *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// HasCode reports whether a code is on record, regardless of expiry.
func (r *OTPRecord) HasCode() bool {
	return r != nil && r.Code != ""
}

// IsLockedAt reports whether verification is refused at now.
func (r *OTPRecord) IsLockedAt(now time.Time) bool {
	return r != nil && r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// Reset nulls every challenge field, keeping the principal key.
func (r *OTPRecord) Reset() {
	r.Code = ""
	r.ExpiresAt = nil
	r.Attempts = 0
	r.LockedUntil = nil
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *OTPRecord) Clone() *OTPRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.LockedUntil != nil {
		t := *r.LockedUntil
		out.LockedUntil = &t
	}
	return &out
}

// OTPMutation edits a record in place under the store's per-principal lock.
// Returning changed=false skips the write; a non-nil error aborts it.
type OTPMutation func(rec *OTPRecord) (changed bool, err error)

type OTPIssueRequest struct {
	PrincipalID string `json:"principal_id" binding:"required,max=128"`
}

type OTPVerifyRequest struct {
	PrincipalID string `json:"principal_id" binding:"required,max=128"`
	Code        string `json:"code" binding:"required,max=32"`
}

type OTPIssueResponse struct {
	PrincipalID string    `json:"principal_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type OTPVerifyResponse struct {
	Status            string     `json:"status"`
	Message           string     `json:"message"`
	AttemptsRemaining *int       `json:"attempts_remaining,omitempty"`
	LockMinutes       *int       `json:"lock_minutes,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	StepUpToken       string     `json:"step_up_token,omitempty"`
	StepUpExpiresAt   *time.Time `json:"step_up_expires_at,omitempty"`
}

type OTPChallengeResponse struct {
	PrincipalID string `json:"principal_id"`
	Outstanding bool   `json:"outstanding"`
}
