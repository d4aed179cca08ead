package models

import "time"

// SessionRecord tracks the idle clock of one authenticated session.
// A nil LastActivity is treated as a session that was just created.
type SessionRecord struct {
	SessionID    string     `json:"session_id" db:"session_id"`
	PrincipalID  string     `json:"principal_id" db:"principal_id"`
	LastActivity *time.Time `json:"last_activity,omitempty" db:"last_activity"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastActivity != nil {
		t := *r.LastActivity
		out.LastActivity = &t
	}
	return &out
}

// SessionMutation edits a session record in place under the store's per-session lock.
type SessionMutation func(rec *SessionRecord) (changed bool, err error)

type SessionStartRequest struct {
	PrincipalID string `json:"principal_id" binding:"required,max=128"`
}

type SessionTouchResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds"`
	NearingExpiry    bool   `json:"nearing_expiry"`
	CountdownSeconds int    `json:"countdown_seconds,omitempty"`
}

type SessionStartResponse struct {
	SessionID          string    `json:"session_id"`
	PrincipalID        string    `json:"principal_id"`
	CreatedAt          time.Time `json:"created_at"`
	IdleTimeoutSeconds int       `json:"idle_timeout_seconds"`
}
