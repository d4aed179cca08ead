package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/hrguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOTPStore(t *testing.T) {
	ctx := context.Background()

	t.Run("load missing returns nil", func(t *testing.T) {
		store := NewMemoryOTPStore()
		rec, err := store.Load(ctx, "emp-1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("mutate creates record with principal key", func(t *testing.T) {
		store := NewMemoryOTPStore()
		err := store.Mutate(ctx, "emp-1", func(rec *models.OTPRecord) (bool, error) {
			assert.Equal(t, "emp-1", rec.PrincipalID)
			rec.Code = "123456"
			return true, nil
		})
		require.NoError(t, err)

		rec, err := store.Load(ctx, "emp-1")
		require.NoError(t, err)
		assert.Equal(t, "123456", rec.Code)
	})

	t.Run("unchanged mutation is not stored", func(t *testing.T) {
		store := NewMemoryOTPStore()
		require.NoError(t, store.Mutate(ctx, "emp-1", func(rec *models.OTPRecord) (bool, error) {
			rec.Code = "123456"
			return false, nil
		}))

		rec, err := store.Load(ctx, "emp-1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("mutation error aborts the write", func(t *testing.T) {
		store := NewMemoryOTPStore()
		boom := errors.New("boom")
		err := store.Mutate(ctx, "emp-1", func(rec *models.OTPRecord) (bool, error) {
			rec.Code = "123456"
			return true, boom
		})
		assert.ErrorIs(t, err, boom)

		rec, _ := store.Load(ctx, "emp-1")
		assert.Nil(t, rec)
	})

	t.Run("load returns an independent copy", func(t *testing.T) {
		store := NewMemoryOTPStore()
		expires := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
		require.NoError(t, store.Mutate(ctx, "emp-1", func(rec *models.OTPRecord) (bool, error) {
			rec.ExpiresAt = &expires
			return true, nil
		}))

		rec, _ := store.Load(ctx, "emp-1")
		*rec.ExpiresAt = expires.Add(time.Hour)

		again, _ := store.Load(ctx, "emp-1")
		assert.Equal(t, expires, *again.ExpiresAt)
	})

	t.Run("concurrent mutations do not lose updates", func(t *testing.T) {
		store := NewMemoryOTPStore()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.Mutate(ctx, "emp-1", func(rec *models.OTPRecord) (bool, error) {
					rec.Attempts++
					return true, nil
				}))
			}()
		}
		wg.Wait()

		rec, _ := store.Load(ctx, "emp-1")
		assert.Equal(t, 50, rec.Attempts)
	})

	t.Run("cancelled context", func(t *testing.T) {
		store := NewMemoryOTPStore()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := store.Load(cctx, "emp-1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.Mutate(cctx, "emp-1", nil), context.Canceled)
	})
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	newRec := func(id, principal string, last time.Time) *models.SessionRecord {
		return &models.SessionRecord{SessionID: id, PrincipalID: principal, LastActivity: &last, CreatedAt: last}
	}

	t.Run("create and load", func(t *testing.T) {
		store := NewMemorySessionStore()
		require.NoError(t, store.Create(ctx, newRec("s-1", "emp-1", now)))

		rec, err := store.Load(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "emp-1", rec.PrincipalID)

		assert.Error(t, store.Create(ctx, newRec("s-1", "emp-2", now)), "duplicate ids are rejected")
	})

	t.Run("missing session", func(t *testing.T) {
		store := NewMemorySessionStore()
		_, err := store.Load(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrNotFound)

		called := false
		err = store.Mutate(ctx, "nope", func(*models.SessionRecord) (bool, error) {
			called = true
			return true, nil
		})
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.False(t, called)
	})

	t.Run("delete during mutation", func(t *testing.T) {
		store := NewMemorySessionStore()
		require.NoError(t, store.Create(ctx, newRec("s-1", "emp-1", now)))

		err := store.Mutate(ctx, "s-1", func(rec *models.SessionRecord) (bool, error) {
			require.NoError(t, store.Delete(ctx, "s-1"))
			later := now.Add(time.Second)
			rec.LastActivity = &later
			return true, nil
		})
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = store.Load(ctx, "s-1")
		assert.ErrorIs(t, err, models.ErrNotFound, "mutation must not resurrect a deleted session")
	})

	t.Run("delete by principal", func(t *testing.T) {
		store := NewMemorySessionStore()
		require.NoError(t, store.Create(ctx, newRec("s-1", "emp-1", now)))
		require.NoError(t, store.Create(ctx, newRec("s-2", "emp-1", now)))
		require.NoError(t, store.Create(ctx, newRec("s-3", "emp-2", now)))

		n, err := store.DeleteByPrincipal(ctx, "emp-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = store.Load(ctx, "s-3")
		assert.NoError(t, err)
	})

	t.Run("delete idle before", func(t *testing.T) {
		store := NewMemorySessionStore()
		require.NoError(t, store.Create(ctx, newRec("old", "emp-1", now.Add(-time.Hour))))
		require.NoError(t, store.Create(ctx, newRec("new", "emp-1", now)))
		require.NoError(t, store.Create(ctx, &models.SessionRecord{SessionID: "never-touched", PrincipalID: "emp-2", CreatedAt: now.Add(-time.Hour)}))

		n, err := store.DeleteIdleBefore(ctx, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = store.Load(ctx, "new")
		assert.NoError(t, err)
	})
}
