// Package cache holds the Redis-backed guard stores. Records are Redis hashes;
// every read-modify-write cycle runs under a distributedlock key so several
// service instances can share one Redis.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/observability"
	"github.com/irfndi/hrguard/internal/services/distributedlock"
	"github.com/redis/go-redis/v9"
)

const otpKeyPrefix = "hrguard:otp:"

const (
	fieldCode        = "code"
	fieldExpiresAt   = "expires_at"
	fieldAttempts    = "attempts"
	fieldLockedUntil = "locked_until"
	fieldUpdatedAt   = "updated_at"
)

func otpKey(principalID string) string { return otpKeyPrefix + principalID }

// RedisOTPStore keeps one hash per principal under hrguard:otp:<id>.
type RedisOTPStore struct {
	client *redis.Client
	locker *distributedlock.Locker
	opts   distributedlock.LockOptions
}

func NewRedisOTPStore(client *redis.Client, locker *distributedlock.Locker, opts distributedlock.LockOptions) *RedisOTPStore {
	if locker == nil {
		locker = distributedlock.NewLocker(client)
	}
	return &RedisOTPStore{client: client, locker: locker, opts: opts}
}

// Load returns nil when the principal has no hash.
func (s *RedisOTPStore) Load(ctx context.Context, principalID string) (*models.OTPRecord, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpCache, "RedisOTPStore.Load")
	rec, err := s.load(ctx, principalID)
	observability.FinishSpan(span, err)
	return rec, err
}

func (s *RedisOTPStore) load(ctx context.Context, principalID string) (*models.OTPRecord, error) {
	fields, err := s.client.HGetAll(ctx, otpKey(principalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load otp record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := decodeOTPRecord(principalID, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode otp record for %s: %w", principalID, err)
	}
	return rec, nil
}

func (s *RedisOTPStore) Mutate(ctx context.Context, principalID string, fn models.OTPMutation) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpCache, "RedisOTPStore.Mutate")
	defer func() { observability.FinishSpan(span, err) }()

	return s.locker.WithLock(ctx, distributedlock.Key("otp", principalID), s.opts, func() error {
		rec, err := s.load(ctx, principalID)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &models.OTPRecord{PrincipalID: principalID}
		}

		changed, err := fn(rec)
		if err != nil || !changed {
			return err
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = time.Now()
		}
		if err := s.client.HSet(ctx, otpKey(principalID), encodeOTPRecord(rec)).Err(); err != nil {
			return fmt.Errorf("failed to save otp record: %w", err)
		}
		return nil
	})
}

func encodeOTPRecord(rec *models.OTPRecord) map[string]any {
	return map[string]any{
		fieldCode:        rec.Code,
		fieldExpiresAt:   formatTime(rec.ExpiresAt),
		fieldAttempts:    rec.Attempts,
		fieldLockedUntil: formatTime(rec.LockedUntil),
		fieldUpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeOTPRecord(principalID string, fields map[string]string) (*models.OTPRecord, error) {
	rec := &models.OTPRecord{PrincipalID: principalID, Code: fields[fieldCode]}
	var err error
	if v := fields[fieldAttempts]; v != "" {
		if rec.Attempts, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("bad %s: %w", fieldAttempts, err)
		}
	}
	if rec.ExpiresAt, err = parseTime(fields[fieldExpiresAt]); err != nil {
		return nil, fmt.Errorf("bad %s: %w", fieldExpiresAt, err)
	}
	if rec.LockedUntil, err = parseTime(fields[fieldLockedUntil]); err != nil {
		return nil, fmt.Errorf("bad %s: %w", fieldLockedUntil, err)
	}
	updated, err := parseTime(fields[fieldUpdatedAt])
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", fieldUpdatedAt, err)
	}
	if updated != nil {
		rec.UpdatedAt = *updated
	}
	return rec, nil
}

// formatTime encodes nil as the empty string.
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
