package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Migration is one forward-only schema step. Statements are per dialect.
type Migration struct {
	Version  int
	Name     string
	Postgres []string
	SQLite   []string
}

func (m Migration) statements(d Dialect) []string {
	if d == DialectPostgres {
		return m.Postgres
	}
	return m.SQLite
}

// Migrations lists the schema in order.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "create_otp_records",
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS otp_records (
				principal_id TEXT PRIMARY KEY,
				code         TEXT,
				expires_at   TIMESTAMPTZ,
				attempts     INTEGER NOT NULL DEFAULT 0 CHECK (attempts >= 0),
				locked_until TIMESTAMPTZ,
				updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS otp_records (
				principal_id TEXT PRIMARY KEY,
				code         TEXT,
				expires_at   DATETIME,
				attempts     INTEGER NOT NULL DEFAULT 0 CHECK (attempts >= 0),
				locked_until DATETIME,
				updated_at   DATETIME NOT NULL
			)`,
		},
	},
	{
		Version: 2,
		Name:    "create_guard_sessions",
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS guard_sessions (
				session_id    TEXT PRIMARY KEY,
				principal_id  TEXT NOT NULL,
				last_activity TIMESTAMPTZ,
				created_at    TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_guard_sessions_principal ON guard_sessions (principal_id)`,
			`CREATE INDEX IF NOT EXISTS idx_guard_sessions_activity ON guard_sessions ((COALESCE(last_activity, created_at)))`,
		},
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS guard_sessions (
				session_id    TEXT PRIMARY KEY,
				principal_id  TEXT NOT NULL,
				last_activity DATETIME,
				created_at    DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_guard_sessions_principal ON guard_sessions (principal_id)`,
		},
	},
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name    TEXT NOT NULL
)`

// Migrate applies every migration newer than the recorded version, each in
// its own transaction. It returns the number applied.
func Migrate(ctx context.Context, db Database, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "migrations"))

	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return applied, err
		}
		logger.Info("Applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
		applied++
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db Database, m Migration) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, stmt := range m.statements(db.Dialect()) {
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	if _, err = tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
