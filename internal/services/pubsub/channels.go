// Package pubsub provides typed Redis pub/sub messaging for guard events.
//
// Channel naming convention: {domain}:{entity}:{qualifier}
// Examples: hrguard:otp:delivery, hrguard:security:lockout
package pubsub

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DomainGuard = "hrguard"
)

const (
	EntityOTP      = "otp"
	EntitySecurity = "security"
	EntitySession  = "session"
)

const (
	QualifierDelivery = "delivery"
	QualifierLockout  = "lockout"
	QualifierExpired  = "expired"
)

const (
	ChannelOTPDelivery    = DomainGuard + ":" + EntityOTP + ":" + QualifierDelivery
	ChannelLockout        = DomainGuard + ":" + EntitySecurity + ":" + QualifierLockout
	ChannelSessionExpired = DomainGuard + ":" + EntitySession + ":" + QualifierExpired
)

type MessageType string

const (
	MessageTypeDelivery       MessageType = "otp_delivery"
	MessageTypeLockout        MessageType = "lockout"
	MessageTypeSessionExpired MessageType = "session_expired"
)

// Channel returns the channel a message type is published on, or "" for an
// unknown type.
func (t MessageType) Channel() string {
	switch t {
	case MessageTypeDelivery:
		return ChannelOTPDelivery
	case MessageTypeLockout:
		return ChannelLockout
	case MessageTypeSessionExpired:
		return ChannelSessionExpired
	}
	return ""
}

// Envelope is the wire format of every guard event. Data holds the typed
// payload as an embedded JSON object.
type Envelope struct {
	Type        MessageType     `json:"type"`
	Channel     string          `json:"channel"`
	PrincipalID string          `json:"principal_id,omitempty"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
	RequestID   string          `json:"request_id,omitempty"`
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 {
		return payload, fmt.Errorf("pubsub: %s event has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("pubsub: decode %s payload: %w", env.Type, err)
	}
	return payload, nil
}

// DeliveryPayload carries a freshly issued code to the notifier.
type DeliveryPayload struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LockoutPayload struct {
	LockedUntil time.Time `json:"locked_until"`
	LockMinutes int       `json:"lock_minutes"`
}

type SessionExpiredPayload struct {
	SessionID   string  `json:"session_id"`
	IdleSeconds float64 `json:"idle_seconds"`
}
