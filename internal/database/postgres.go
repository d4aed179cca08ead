package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/irfndi/hrguard/internal/config"
	"github.com/irfndi/hrguard/internal/utils"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PostgresDB wraps a PostgreSQL connection pool.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	SQL    *sql.DB
	slow   *SlowQueryLogger
	logger *zap.Logger
}

var _ Database = (*PostgresDB)(nil)

const (
	maxAllowedPoolConns int32 = 10000
	connectAttempts           = 3
	slowQueryThreshold        = 250 * time.Millisecond
	slowQueryMaxEntries       = 100
)

// NewPostgresConnection connects with up to three attempts and exponential
// backoff, then verifies both the pgx pool and its database/sql view.
func NewPostgresConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	slow := NewSlowQueryLogger(slowQueryThreshold, slowQueryMaxEntries, logger)

	poolConfig, err := buildPGXPoolConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	poolConfig.ConnConfig.Tracer = NewPostgresSentryTracer(slow)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var pool *pgxpool.Pool
	for attempt := 0; attempt < connectAttempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				break
			}
			pool.Close()
		}
		logger.Warn("Database connection attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt < connectAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("failed to connect to database: %w", ctx.Err())
			case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool after retries: %w", err)
	}

	// Share the pgx pool with database/sql so migrations and repositories see
	// the same connections.
	sqlDB := stdlib.OpenDBFromPool(pool)
	if poolConfig.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(int(poolConfig.MaxConns))
	}
	if poolConfig.MinConns > 0 {
		sqlDB.SetMaxIdleConns(int(poolConfig.MinConns))
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		pool.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping sql compatibility connection: %w", err)
	}

	logger.Info("Successfully connected to PostgreSQL")
	return &PostgresDB{Pool: pool, SQL: sqlDB, slow: slow, logger: logger}, nil
}

func (db *PostgresDB) Close() error {
	var closeErr error
	if db.SQL != nil {
		if err := db.SQL.Close(); err != nil {
			db.logger.Warn("Failed to close PostgreSQL sql compatibility connection", zap.Error(err))
			closeErr = err
		}
	}
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("PostgreSQL connection closed")
	}
	return closeErr
}

func (db *PostgresDB) HealthCheck(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("postgres pool is not initialized")
	}
	return db.Pool.Ping(ctx)
}

func (db *PostgresDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if db.Pool == nil {
		return nil, fmt.Errorf("postgres pool is not initialized")
	}
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return PgxRows{Rows: rows}, nil
}

func (db *PostgresDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	return PgxRow{Row: db.Pool.QueryRow(ctx, query, args...)}
}

func (db *PostgresDB) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if db.Pool == nil {
		return nil, fmt.Errorf("postgres pool is not initialized")
	}
	tag, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return PgxResult{CommandTag: tag}, nil
}

func (db *PostgresDB) Begin(ctx context.Context) (Tx, error) {
	if db.Pool == nil {
		return nil, fmt.Errorf("postgres pool is not initialized")
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return PgxTx{Tx: tx}, nil
}

func (db *PostgresDB) IsReady() bool {
	return db != nil && db.Pool != nil
}

func (db *PostgresDB) Dialect() Dialect { return DialectPostgres }

func (db *PostgresDB) SlowQueries() *SlowQueryLogger { return db.slow }

// postgresDSN prefers a URL in Host, then DatabaseURL, then keyword form.
func postgresDSN(cfg *config.DatabaseConfig) string {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host
	}
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.DBName, cfg.SSLMode)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	if cfg.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", cfg.ConnectTimeout)
	}
	return dsn
}

func buildPGXPoolConfig(cfg *config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Config, error) {
	dsn := postgresDSN(cfg)
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config %q: %w", utils.MaskConnectionString(dsn), err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = clampToSafePoolSize(cfg.MaxOpenConns, logger)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = clampToSafePoolSize(cfg.MaxIdleConns, logger)
	}
	if poolConfig.MinConns > 0 && poolConfig.MaxConns > 0 && poolConfig.MinConns > poolConfig.MaxConns {
		return nil, fmt.Errorf("invalid pool sizing: min_conns (%d) > max_conns (%d)", poolConfig.MinConns, poolConfig.MaxConns)
	}

	if cfg.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ConnMaxLifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = d
	}
	if cfg.ConnMaxIdleTime != "" {
		d, err := time.ParseDuration(cfg.ConnMaxIdleTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ConnMaxIdleTime: %w", err)
		}
		poolConfig.MaxConnIdleTime = d
	}

	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout)
	}

	return poolConfig, nil
}

func clampToSafePoolSize(value int, logger *zap.Logger) int32 {
	requested := int64(value)
	if requested <= 0 {
		return 0
	}
	if requested > int64(math.MaxInt32) || requested > int64(maxAllowedPoolConns) {
		logger.Warn("Configured pool size exceeds safe limit; clamping",
			zap.Int("requested", value), zap.Int32("limit", maxAllowedPoolConns))
		return maxAllowedPoolConns
	}
	return int32(requested)
}
