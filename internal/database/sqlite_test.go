package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/hrguard/internal/config"
	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dbTestStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteConnection(t.Context(), filepath.Join(t.TempDir(), "guard.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	applied, err := Migrate(t.Context(), db, nil)
	require.NoError(t, err)
	require.Equal(t, len(Migrations), applied)
	return db
}

func TestSQLiteConnection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := NewSQLiteConnection(t.Context(), dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.True(t, db.IsReady())
	assert.Equal(t, DialectSQLite, db.Dialect())
	assert.NoError(t, db.HealthCheck(t.Context()))
	assert.NotNil(t, db.SlowQueries())
}

func TestSQLiteConnection_EmptyPath(t *testing.T) {
	db, err := NewSQLiteConnection(t.Context(), "  ", nil)
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestSQLiteConnection_InMemory(t *testing.T) {
	db, err := NewSQLiteConnection(t.Context(), ":memory:", nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = Migrate(t.Context(), db, nil)
	require.NoError(t, err)

	repo := NewOTPRepository(db, db.Dialect())
	rec, err := repo.Load(t.Context(), "emp-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSQLiteDB_Close(t *testing.T) {
	db, err := NewSQLiteConnection(t.Context(), filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)

	assert.NoError(t, db.Close())
	assert.Error(t, db.HealthCheck(t.Context()))

	var nilDB *SQLiteDB
	assert.NoError(t, nilDB.Close())
	assert.False(t, nilDB.IsReady())
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/var/lib/hrguard/guard.db")
	assert.Contains(t, dsn, "/var/lib/hrguard/guard.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")

	assert.NotContains(t, sqliteDSN(":memory:"), "_journal_mode")
}

func TestNewDatabaseConnection(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		cfg := &config.DatabaseConfig{Driver: "SQLite", SQLitePath: filepath.Join(t.TempDir(), "x.db")}
		db, err := NewDatabaseConnection(t.Context(), cfg, nil)
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, DialectSQLite, db.Dialect())
	})

	t.Run("unsupported", func(t *testing.T) {
		db, err := NewDatabaseConnection(t.Context(), &config.DatabaseConfig{Driver: "mysql"}, nil)
		assert.Nil(t, db)
		assert.ErrorContains(t, err, "unsupported database driver")
	})
}

func TestDetectDialect(t *testing.T) {
	tests := map[string]Dialect{
		"":           DialectSQLite,
		"sqlite3":    DialectSQLite,
		"postgres":   DialectPostgres,
		"PostgreSQL": DialectPostgres,
		"pgx":        DialectPostgres,
		"mysql":      "",
	}
	for driver, want := range tests {
		assert.Equal(t, want, DetectDialect(driver), driver)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestSQLite(t)

	applied, err := Migrate(t.Context(), db, nil)
	require.NoError(t, err)
	assert.Zero(t, applied)

	var version int
	require.NoError(t, db.QueryRow(t.Context(), `SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	assert.Equal(t, Migrations[len(Migrations)-1].Version, version)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = ?1 AND y = ?2 OR x = ?1", rebind("SELECT a FROM t WHERE x = $1 AND y = $2 OR x = $1"))
	assert.Equal(t, "VALUES (?10)", rebind("VALUES ($10)"))
}

func TestSQLiteOTPRepository_LoadMutate(t *testing.T) {
	db := newTestSQLite(t)
	repo := NewOTPRepository(db, db.Dialect())
	ctx := t.Context()

	rec, err := repo.Load(ctx, "emp-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	expires := dbTestStart.Add(10 * time.Minute)
	require.NoError(t, repo.Mutate(ctx, "emp-1", func(r *models.OTPRecord) (bool, error) {
		assert.Equal(t, "emp-1", r.PrincipalID)
		assert.False(t, r.HasCode())
		r.Code = "482913"
		r.ExpiresAt = &expires
		r.Attempts = 1
		r.UpdatedAt = dbTestStart
		return true, nil
	}))

	rec, err = repo.Load(ctx, "emp-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "482913", rec.Code)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(t, expires, *rec.ExpiresAt, 0)
	assert.Nil(t, rec.LockedUntil)
	assert.WithinDuration(t, dbTestStart, rec.UpdatedAt, 0)

	t.Run("reset stores nulls", func(t *testing.T) {
		require.NoError(t, repo.Mutate(ctx, "emp-1", func(r *models.OTPRecord) (bool, error) {
			r.Reset()
			return true, nil
		}))
		rec, err := repo.Load(ctx, "emp-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.False(t, rec.HasCode())
		assert.Nil(t, rec.ExpiresAt)
		assert.Zero(t, rec.Attempts)
	})

	t.Run("unchanged skips the write", func(t *testing.T) {
		require.NoError(t, repo.Mutate(ctx, "emp-2", func(*models.OTPRecord) (bool, error) { return false, nil }))
		rec, err := repo.Load(ctx, "emp-2")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("error aborts the write", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Mutate(ctx, "emp-3", func(r *models.OTPRecord) (bool, error) {
			r.Attempts = 2
			return true, boom
		})
		assert.ErrorIs(t, err, boom)
		rec, err := repo.Load(ctx, "emp-3")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestSQLiteOTPRepository_ConcurrentMutate(t *testing.T) {
	db := newTestSQLite(t)
	repo := NewOTPRepository(db, db.Dialect())

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- repo.Mutate(context.Background(), "emp-1", func(r *models.OTPRecord) (bool, error) {
				r.Attempts++
				r.UpdatedAt = dbTestStart
				return true, nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := repo.Load(t.Context(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, n, rec.Attempts)
}

// Concurrent wrong guesses against one principal must count every attempt
// and lock exactly once.
func TestSQLiteOTPRepository_GuardConcurrentAttempts(t *testing.T) {
	db := newTestSQLite(t)
	clock := services.NewFakeClock(dbTestStart)
	cfg := services.DefaultOTPConfig()
	cfg.MaxAttempts = 5
	guard := services.NewOTPGuard(NewOTPRepository(db, db.Dialect()), cfg,
		services.WithOTPClock(clock),
		services.WithCodeGenerator(func(int) (string, error) { return "482913", nil }),
	)

	_, err := guard.Issue(t.Context(), "emp-1")
	require.NoError(t, err)

	const n = 8
	results := make(chan services.VerifyResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := guard.Verify(context.Background(), "emp-1", fmt.Sprintf("00000%d", i))
			assert.NoError(t, err)
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	counts := map[services.VerifyStatus]int{}
	for res := range results {
		counts[res.Status]++
	}
	assert.Equal(t, 4, counts[services.VerifyIncorrect])
	assert.Equal(t, 1, counts[services.VerifyLockedNow])
	assert.Equal(t, 3, counts[services.VerifyLocked])

	rec, err := NewOTPRepository(db, db.Dialect()).Load(t.Context(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Attempts)
	require.NotNil(t, rec.LockedUntil)
	assert.WithinDuration(t, dbTestStart.Add(cfg.LockoutDuration), *rec.LockedUntil, 0)
}

func TestSQLiteSessionRepository(t *testing.T) {
	db := newTestSQLite(t)
	repo := NewSessionRepository(db, db.Dialect())
	ctx := t.Context()

	last := dbTestStart
	require.NoError(t, repo.Create(ctx, &models.SessionRecord{
		SessionID: "s-1", PrincipalID: "emp-1", LastActivity: &last, CreatedAt: dbTestStart,
	}))
	require.NoError(t, repo.Create(ctx, &models.SessionRecord{
		SessionID: "s-2", PrincipalID: "emp-1", CreatedAt: dbTestStart.Add(-time.Hour),
	}))
	require.NoError(t, repo.Create(ctx, &models.SessionRecord{
		SessionID: "s-3", PrincipalID: "emp-2", CreatedAt: dbTestStart,
	}))

	t.Run("duplicate create fails", func(t *testing.T) {
		err := repo.Create(ctx, &models.SessionRecord{SessionID: "s-1", PrincipalID: "emp-9", CreatedAt: dbTestStart})
		assert.Error(t, err)
	})

	t.Run("load", func(t *testing.T) {
		rec, err := repo.Load(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "emp-1", rec.PrincipalID)
		require.NotNil(t, rec.LastActivity)
		assert.WithinDuration(t, last, *rec.LastActivity, 0)

		rec, err = repo.Load(ctx, "s-2")
		require.NoError(t, err)
		assert.Nil(t, rec.LastActivity)

		_, err = repo.Load(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("mutate", func(t *testing.T) {
		next := dbTestStart.Add(30 * time.Second)
		require.NoError(t, repo.Mutate(ctx, "s-1", func(r *models.SessionRecord) (bool, error) {
			r.LastActivity = &next
			return true, nil
		}))
		rec, err := repo.Load(ctx, "s-1")
		require.NoError(t, err)
		assert.WithinDuration(t, next, *rec.LastActivity, 0)

		err = repo.Mutate(ctx, "missing", func(*models.SessionRecord) (bool, error) { return true, nil })
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("delete idle before", func(t *testing.T) {
		// s-2 has no activity and was created an hour early.
		n, err := repo.DeleteIdleBefore(ctx, dbTestStart.Add(-time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		_, err = repo.Load(ctx, "s-2")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("delete by principal", func(t *testing.T) {
		n, err := repo.DeleteByPrincipal(ctx, "emp-1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "s-3"))
		require.NoError(t, repo.Delete(ctx, "s-3"))
		_, err := repo.Load(ctx, "s-3")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestSQLiteSessionRepository_GuardTouch(t *testing.T) {
	db := newTestSQLite(t)
	clock := services.NewFakeClock(dbTestStart)
	guard := services.NewSessionGuard(NewSessionRepository(db, db.Dialect()), services.SessionConfig{
		IdleTimeout:   60 * time.Second,
		WarningWindow: 30 * time.Second,
		CountdownHint: 30 * time.Second,
	}, services.WithSessionClock(clock))

	rec, err := guard.Start(t.Context(), "emp-1")
	require.NoError(t, err)

	clock.Advance(35 * time.Second)
	res, err := guard.Touch(t.Context(), rec.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.True(t, res.NearingExpiry)

	clock.Advance(61 * time.Second)
	res, err = guard.Touch(t.Context(), rec.SessionID)
	require.NoError(t, err)
	assert.False(t, res.Valid())

	require.NoError(t, guard.Invalidate(t.Context(), rec.SessionID))
	res, err = guard.Touch(t.Context(), rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, services.TouchExpired, res.Status)
}
