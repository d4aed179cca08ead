// Package distributedlock serializes read-modify-write cycles on guard records
// across service instances that share one Redis.
package distributedlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every lock key.
const KeyPrefix = "hrguard:lock:"

// ErrLockHeld is returned by TryLock when another holder owns the key.
var ErrLockHeld = errors.New("lock already held")

// Locker provides distributed locking capabilities using Redis.
type Locker struct {
	client *redis.Client
	mu     sync.Mutex
	locks  map[string]*Lock
}

// Lock is an acquired lock: its key and the token that proves ownership.
type Lock struct {
	key   string
	token string
}

// LockOptions configures lock behavior.
type LockOptions struct {
	// TTL bounds how long a crashed holder can block the key.
	TTL time.Duration
	// WaitTimeout is how long Lock keeps retrying. Zero means a single attempt.
	WaitTimeout time.Duration
	// RetryInterval is the delay between retry attempts.
	RetryInterval time.Duration
}

// DefaultLockOptions suits a single guard record update: a few round-trips at most.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		TTL:           5 * time.Second,
		WaitTimeout:   3 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	}
}

// releaseLockScript releases a lock only if the token matches.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

func NewLocker(client *redis.Client) *Locker {
	return &Locker{
		client: client,
		locks:  make(map[string]*Lock),
	}
}

// Key builds the lock key for one record, e.g. Key("otp", "emp-42").
func Key(kind, id string) string {
	return KeyPrefix + kind + ":" + id
}

// TryLock attempts to acquire a lock without waiting.
func (l *Locker) TryLock(ctx context.Context, key string, opts LockOptions) (*Lock, error) {
	if l.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, opts.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	lock := &Lock{key: key, token: token}

	l.mu.Lock()
	l.locks[key] = lock
	l.mu.Unlock()

	return lock, nil
}

// Lock acquires a lock, retrying while it is held elsewhere until WaitTimeout.
// Redis errors are returned immediately.
func (l *Locker) Lock(ctx context.Context, key string, opts LockOptions) (*Lock, error) {
	if opts.WaitTimeout == 0 {
		return l.TryLock(ctx, key, opts)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(opts.RetryInterval)
	defer ticker.Stop()

	for {
		lock, err := l.TryLock(ctx, key, opts)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases a lock.
func (l *Locker) Unlock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return fmt.Errorf("lock is nil")
	}

	l.mu.Lock()
	if l.locks[lock.key] == lock {
		delete(l.locks, lock.key)
	}
	l.mu.Unlock()

	result, err := l.client.Eval(ctx, releaseLockScript, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("lock was not held or token mismatch")
	}
	return nil
}

// WithLock runs fn while holding key. A failed release is reported only when
// fn itself succeeded.
func (l *Locker) WithLock(ctx context.Context, key string, opts LockOptions, fn func() error) (err error) {
	lock, err := l.Lock(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		// Release even when the caller's context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if uerr := l.Unlock(releaseCtx, lock); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}

// Close releases every lock still held through this Locker, for shutdown.
func (l *Locker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, lock := range l.locks {
		_, _ = l.client.Eval(ctx, releaseLockScript, []string{lock.key}, lock.token).Result()
	}

	l.locks = make(map[string]*Lock)
	return nil
}
