// Package bootstrap builds the guards and their backing stores from config.
// The server and guardctl share it so both talk to the same state.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/irfndi/hrguard/internal/api"
	"github.com/irfndi/hrguard/internal/api/handlers"
	"github.com/irfndi/hrguard/internal/cache"
	"github.com/irfndi/hrguard/internal/config"
	"github.com/irfndi/hrguard/internal/database"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/irfndi/hrguard/internal/middleware"
	"github.com/irfndi/hrguard/internal/services"
	"github.com/irfndi/hrguard/internal/services/distributedlock"
	"github.com/irfndi/hrguard/internal/services/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds everything built from one Config. DB is nil unless the sql
// backend is selected. Redis and Events are nil when Redis is neither
// required nor reachable.
type App struct {
	Config   *config.Config
	Logger   *logging.StandardLogger
	DB       database.Database
	Redis    *database.RedisClient
	Events   *pubsub.Publisher
	OTP      *services.OTPGuard
	Sessions *services.SessionGuard
	StepUp   *services.StepUpIssuer

	locker    *distributedlock.Locker
	ownsRedis bool
}

type options struct {
	clock       services.Clock
	redisClient *redis.Client
	codeGen     services.CodeGenerator
	migrate     bool
}

type Option func(*options)

// WithClock replaces the system clock in both guards and the step-up issuer.
func WithClock(clock services.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithRedisClient uses an existing client instead of dialing cfg.Redis.
// The caller keeps ownership of it.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redisClient = client }
}

func WithCodeGenerator(gen services.CodeGenerator) Option {
	return func(o *options) { o.codeGen = gen }
}

// WithMigrations applies pending schema migrations after connecting to the
// sql backend.
func WithMigrations() Option {
	return func(o *options) { o.migrate = true }
}

// RequiresRedis reports whether cfg cannot run without Redis.
func RequiresRedis(cfg *config.Config) bool {
	return cfg.Store.Backend == config.BackendRedis || cfg.OTP.Delivery == config.DeliveryRedis
}

// New connects the configured backends and builds the guards. On error every
// connection opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *logging.StandardLogger, opts ...Option) (*App, error) {
	o := options{clock: services.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.FromZap(nil)
	}
	zlog := logger.Logger()

	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	if err := app.connectRedis(ctx, o.redisClient); err != nil {
		return nil, err
	}
	if app.Redis != nil {
		app.Events = pubsub.NewPublisher(app.Redis.Client, zlog)
	}

	otpStore, sessionStore, err := app.stores(ctx, o.migrate)
	if err != nil {
		return nil, err
	}

	var sink services.CodeSink = services.NewLogSink(zlog)
	if cfg.OTP.Delivery == config.DeliveryRedis {
		sink = pubsub.NewDeliverySink(app.Events)
	}

	otpOpts := []services.OTPGuardOption{
		services.WithOTPClock(o.clock),
		services.WithCodeSink(sink),
		services.WithOTPLogger(zlog),
	}
	if o.codeGen != nil {
		otpOpts = append(otpOpts, services.WithCodeGenerator(o.codeGen))
	}
	app.OTP = services.NewOTPGuard(otpStore, services.OTPConfig{
		CodeLength:      cfg.OTP.CodeLength,
		Expiry:          cfg.OTP.Expiry,
		MaxAttempts:     cfg.OTP.MaxAttempts,
		LockoutDuration: cfg.OTP.LockoutDuration,
	}, otpOpts...)

	app.Sessions = services.NewSessionGuard(sessionStore, services.SessionConfig{
		IdleTimeout:   cfg.Session.IdleTimeout,
		WarningWindow: cfg.Session.WarningWindow,
		CountdownHint: cfg.Session.CountdownHint,
	}, services.WithSessionClock(o.clock), services.WithSessionLogger(zlog))

	if app.StepUp, err = services.NewStepUpIssuer(cfg.Auth.StepUpSecret, cfg.Auth.StepUpTTL, o.clock); err != nil {
		return nil, fmt.Errorf("failed to configure step-up grants: %w", err)
	}

	logger.Info("Guards initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("delivery", cfg.OTP.Delivery),
		zap.Bool("events", app.Events != nil),
		zap.Bool("step_up", app.StepUp != nil),
	)
	ok = true
	return app, nil
}

func (a *App) connectRedis(ctx context.Context, existing *redis.Client) error {
	if existing != nil {
		a.Redis = database.NewRedisClientFromExisting(existing, a.Logger.Logger())
		return nil
	}
	client, err := database.NewRedisConnection(ctx, a.Config.Redis, a.Logger.Logger())
	if err != nil {
		if RequiresRedis(a.Config) {
			return err
		}
		a.Logger.Warn("Redis unavailable, continuing without events or shared rate limits", zap.Error(err))
		return nil
	}
	a.Redis = client
	a.ownsRedis = true
	return nil
}

func (a *App) stores(ctx context.Context, migrate bool) (services.OTPStore, services.SessionStore, error) {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return services.NewMemoryOTPStore(), services.NewMemorySessionStore(), nil

	case config.BackendSQL:
		db, err := database.NewDatabaseConnection(ctx, &cfg.Database, a.Logger.Logger())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.DB = db
		if migrate {
			if _, err := database.Migrate(ctx, db, a.Logger.Logger()); err != nil {
				return nil, nil, err
			}
		}
		return database.NewOTPRepository(db, db.Dialect()), database.NewSessionRepository(db, db.Dialect()), nil

	case config.BackendRedis:
		a.locker = distributedlock.NewLocker(a.Redis.Client)
		lockOpts := LockOptions(cfg.Store)
		return cache.NewRedisOTPStore(a.Redis.Client, a.locker, lockOpts),
			cache.NewRedisSessionStore(a.Redis.Client, a.locker, lockOpts, 2*cfg.Session.IdleTimeout),
			nil
	}
	return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
}

// LockOptions maps the store section onto distributed lock options. Zero
// fields keep the lock package defaults.
func LockOptions(cfg config.StoreConfig) distributedlock.LockOptions {
	opts := distributedlock.DefaultLockOptions()
	if cfg.LockTTL > 0 {
		opts.TTL = cfg.LockTTL
	}
	if cfg.LockWait > 0 {
		opts.WaitTimeout = cfg.LockWait
	}
	if cfg.RetryInterval > 0 {
		opts.RetryInterval = cfg.RetryInterval
	}
	return opts
}

// HealthDependencies lists the backends /health probes. The store backend is
// critical, Redis is critical only when the configuration requires it.
func (a *App) HealthDependencies() []handlers.HealthDependency {
	var deps []handlers.HealthDependency
	if a.DB != nil {
		deps = append(deps, handlers.HealthDependency{Name: "database", Checker: a.DB, Critical: true})
	}
	if a.Redis != nil {
		deps = append(deps, handlers.HealthDependency{Name: "redis", Checker: a.Redis, Critical: RequiresRedis(a.Config)})
	}
	return deps
}

// RateLimiter returns nil when rate limiting is disabled. Counters live in
// Redis when it is connected.
func (a *App) RateLimiter() *middleware.RateLimiter {
	if !a.Config.RateLimit.Enabled {
		return nil
	}
	var client *redis.Client
	if a.Redis != nil {
		client = a.Redis.Client
	}
	return middleware.NewRateLimiter(middleware.RateLimitConfigFrom(a.Config.RateLimit), client, a.Logger.Logger())
}

// Dependencies assembles the router inputs.
func (a *App) Dependencies(version string) api.Dependencies {
	return api.Dependencies{
		OTP:      a.OTP,
		Sessions: a.Sessions,
		StepUp:   a.StepUp,
		Events:   a.Events,
		AdminKey: middleware.AdminKeyConfig{
			Key:  a.Config.Auth.AdminAPIKey,
			Hash: a.Config.Auth.AdminAPIKeyHash,
		},
		RateLimiter:             a.RateLimiter(),
		Health:                  a.HealthDependencies(),
		SessionHeader:           a.Config.Session.HeaderName,
		SessionCookie:           a.Config.Session.CookieName,
		RevokeSessionsOnLockout: a.Config.Auth.RevokeSessionsOnLockout,
		Version:                 version,
		Logger:                  a.Logger,
	}
}

// Close releases record locks still held, the database and any Redis client
// New dialed itself.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.locker != nil {
		_ = a.locker.Close()
		a.locker = nil
	}
	if a.Events != nil {
		stats := a.Events.Stats()
		a.Logger.Info("Guard events published",
			zap.Int64("published", stats.Published),
			zap.Int64("errors", stats.Errors),
		)
		a.Events = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
		a.DB = nil
	}
	if a.Redis != nil && a.ownsRedis {
		a.Redis.Close()
	}
	a.Redis = nil
}

// AutoMigrate reports whether the schema should be applied on startup. Only
// the embedded SQLite file qualifies; PostgreSQL schemas are applied with an
// explicit migrate command.
func AutoMigrate(cfg *config.Config) bool {
	return cfg.Store.Backend == config.BackendSQL && database.DetectDialect(cfg.Database.Driver) == database.DialectSQLite
}

// Migrate connects to the configured database and applies pending migrations.
func Migrate(ctx context.Context, cfg *config.DatabaseConfig, logger *logging.StandardLogger) (int, error) {
	if logger == nil {
		logger = logging.FromZap(nil)
	}
	db, err := database.NewDatabaseConnection(ctx, cfg, logger.Logger())
	if err != nil {
		return 0, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", zap.Error(err))
		}
	}()
	return database.Migrate(ctx, db, logger.Logger())
}
