package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type SQLiteDB struct {
	DB     *sql.DB
	slow   *SlowQueryLogger
	logger *zap.Logger
}

var _ Database = (*SQLiteDB)(nil)

// sqliteDSN applies pragmas per connection through go-sqlite3 parameters so
// every pooled connection gets them. _txlock=immediate makes BeginTx take the
// write lock up front, which is what serializes Mutate.
func sqliteDSN(path string) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	params.Set("_synchronous", "NORMAL")
	params.Set("_cache_size", "-64000")
	if path != ":memory:" {
		params.Set("_journal_mode", "WAL")
	}
	return path + "?" + params.Encode()
}

func NewSQLiteConnection(ctx context.Context, path string, logger *zap.Logger) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return &SQLiteDB{
		DB:     db,
		slow:   NewSlowQueryLogger(slowQueryThreshold, slowQueryMaxEntries, logger),
		logger: logger,
	}, nil
}

func (db *SQLiteDB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

func (db *SQLiteDB) observe(query string, start time.Time) {
	db.slow.Record(query, time.Since(start))
}

func (db *SQLiteDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("sqlite database is not initialized")
	}
	defer db.observe(query, time.Now())
	rows, err := db.DB.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return SQLRows{Rows: rows}, nil
}

func (db *SQLiteDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	defer db.observe(query, time.Now())
	return SQLRow{Row: db.DB.QueryRowContext(ctx, rebind(query), args...)}
}

func (db *SQLiteDB) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("sqlite database is not initialized")
	}
	defer db.observe(query, time.Now())
	res, err := db.DB.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return SQLResult{Result: res}, nil
}

// Begin starts a BEGIN IMMEDIATE transaction.
func (db *SQLiteDB) Begin(ctx context.Context) (Tx, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("sqlite database is not initialized")
	}
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return SQLTx{Tx: tx}, nil
}

func (db *SQLiteDB) IsReady() bool {
	return db != nil && db.DB != nil
}

func (db *SQLiteDB) HealthCheck(ctx context.Context) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("sqlite database is not initialized")
	}
	return db.DB.PingContext(ctx)
}

func (db *SQLiteDB) Dialect() Dialect { return DialectSQLite }

func (db *SQLiteDB) SlowQueries() *SlowQueryLogger { return db.slow }
