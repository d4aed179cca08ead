package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/irfndi/hrguard/internal/config"
	"go.uber.org/zap"
)

// Database abstracts both PostgreSQL and SQLite connections.
type Database interface {
	DBPool
	Close() error
	IsReady() bool
	HealthCheck(ctx context.Context) error
	Dialect() Dialect
	SlowQueries() *SlowQueryLogger
}

// Dialect selects the SQL flavour a repository emits.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// NewDatabaseConnection opens the database named by cfg.Driver.
func NewDatabaseConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "database"))

	switch DetectDialect(cfg.Driver) {
	case DialectSQLite:
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			path = "hrguard.db"
		}
		logger.Info("Connecting to SQLite database", zap.String("path", path))
		return NewSQLiteConnection(ctx, path, logger)
	case DialectPostgres:
		logger.Info("Connecting to PostgreSQL database",
			zap.String("user", cfg.User),
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("dbname", cfg.DBName),
		)
		return NewPostgresConnection(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres)", cfg.Driver)
	}
}

// DetectDialect maps a driver string to a Dialect. Unknown drivers return "".
func DetectDialect(driver string) Dialect {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite
	case "postgres", "postgresql", "pgx":
		return DialectPostgres
	default:
		return ""
	}
}
