package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/observability"
	"github.com/irfndi/hrguard/internal/services/distributedlock"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "hrguard:session:"
	principalKeyPrefix = "hrguard:sessions:principal:"
	// activityKey is a sorted set of session ids scored by last activity in
	// unix milliseconds.
	activityKey = "hrguard:sessions:activity"

	fieldPrincipalID  = "principal_id"
	fieldLastActivity = "last_activity"
	fieldCreatedAt    = "created_at"
)

func sessionKey(id string) string           { return sessionKeyPrefix + id }
func principalSessionsKey(id string) string { return principalKeyPrefix + id }

// RedisSessionStore keeps one hash per session plus a per-principal set and
// an activity index for purges. Hashes expire after ttl so abandoned sessions
// disappear even when nobody runs a purge.
type RedisSessionStore struct {
	client *redis.Client
	locker *distributedlock.Locker
	opts   distributedlock.LockOptions
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, locker *distributedlock.Locker, opts distributedlock.LockOptions, ttl time.Duration) *RedisSessionStore {
	if locker == nil {
		locker = distributedlock.NewLocker(client)
	}
	return &RedisSessionStore{client: client, locker: locker, opts: opts, ttl: ttl}
}

func (s *RedisSessionStore) lockKey(sessionID string) string {
	return distributedlock.Key("session", sessionID)
}

func (s *RedisSessionStore) Create(ctx context.Context, rec *models.SessionRecord) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpCache, "RedisSessionStore.Create")
	defer func() { observability.FinishSpan(span, err) }()

	return s.locker.WithLock(ctx, s.lockKey(rec.SessionID), s.opts, func() error {
		exists, err := s.client.Exists(ctx, sessionKey(rec.SessionID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("session %s already exists", rec.SessionID)
		}
		if err := s.save(ctx, rec); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

func (s *RedisSessionStore) Load(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpCache, "RedisSessionStore.Load")
	rec, err := s.load(ctx, sessionID)
	observability.FinishSpan(span, err)
	return rec, err
}

func (s *RedisSessionStore) load(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}
	rec, err := decodeSession(sessionID, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return rec, nil
}

func (s *RedisSessionStore) Mutate(ctx context.Context, sessionID string, fn models.SessionMutation) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOpCache, "RedisSessionStore.Mutate")
	defer func() { observability.FinishSpan(span, err) }()

	return s.locker.WithLock(ctx, s.lockKey(sessionID), s.opts, func() error {
		rec, err := s.load(ctx, sessionID)
		if err != nil {
			return err
		}
		changed, err := fn(rec)
		if err != nil || !changed {
			return err
		}
		if err := s.save(ctx, rec); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// save writes the hash, refreshes its TTL and updates both indexes in one
// MULTI/EXEC.
func (s *RedisSessionStore) save(ctx context.Context, rec *models.SessionRecord) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := sessionKey(rec.SessionID)
		pipe.HSet(ctx, key, map[string]any{
			fieldPrincipalID:  rec.PrincipalID,
			fieldLastActivity: formatTime(rec.LastActivity),
			fieldCreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.SAdd(ctx, principalSessionsKey(rec.PrincipalID), rec.SessionID)
		pipe.ZAdd(ctx, activityKey, redis.Z{Score: activityScore(rec), Member: rec.SessionID})
		return nil
	})
	return err
}

// Delete is idempotent.
func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.deleteLocked(ctx, sessionID, nil)
	return err
}

func (s *RedisSessionStore) DeleteByPrincipal(ctx context.Context, principalID string) (int64, error) {
	ids, err := s.client.SMembers(ctx, principalSessionsKey(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for %s: %w", principalID, err)
	}
	var n int64
	for _, id := range ids {
		deleted, err := s.deleteLocked(ctx, id, nil)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	if err := s.client.Del(ctx, principalSessionsKey(principalID)).Err(); err != nil {
		return n, fmt.Errorf("failed to delete session index for %s: %w", principalID, err)
	}
	return n, nil
}

// DeleteIdleBefore walks the activity index below cutoff and re-checks each
// session under its lock, so a session touched during the purge survives.
func (s *RedisSessionStore) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, activityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan idle sessions: %w", err)
	}

	idle := func(rec *models.SessionRecord) bool {
		return lastSeen(rec).Before(cutoff)
	}
	var n int64
	for _, id := range ids {
		deleted, err := s.deleteLocked(ctx, id, idle)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// deleteLocked removes a session and its index entries while holding the
// session lock. When shouldDelete is non-nil the session is only removed if
// it reports true for the current record. It reports whether a hash was deleted.
func (s *RedisSessionStore) deleteLocked(ctx context.Context, sessionID string, shouldDelete func(*models.SessionRecord) bool) (bool, error) {
	var deleted bool
	err := s.locker.WithLock(ctx, s.lockKey(sessionID), s.opts, func() error {
		rec, err := s.load(ctx, sessionID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			// Expired by TTL; only the activity entry can be left behind.
			return s.client.ZRem(ctx, activityKey, sessionID).Err()
		case err != nil:
			return err
		}
		if shouldDelete != nil && !shouldDelete(rec) {
			return nil
		}

		var del *redis.IntCmd
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, sessionKey(sessionID))
			pipe.SRem(ctx, principalSessionsKey(rec.PrincipalID), sessionID)
			pipe.ZRem(ctx, activityKey, sessionID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		deleted = del.Val() > 0
		return nil
	})
	return deleted, err
}

func decodeSession(sessionID string, fields map[string]string) (*models.SessionRecord, error) {
	rec := &models.SessionRecord{SessionID: sessionID, PrincipalID: fields[fieldPrincipalID]}
	var err error
	if rec.LastActivity, err = parseTime(fields[fieldLastActivity]); err != nil {
		return nil, fmt.Errorf("bad %s: %w", fieldLastActivity, err)
	}
	created, err := parseTime(fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", fieldCreatedAt, err)
	}
	if created != nil {
		rec.CreatedAt = *created
	}
	return rec, nil
}

func lastSeen(rec *models.SessionRecord) time.Time {
	if rec.LastActivity != nil {
		return *rec.LastActivity
	}
	return rec.CreatedAt
}

func activityScore(rec *models.SessionRecord) float64 {
	return float64(lastSeen(rec).UnixMilli())
}
