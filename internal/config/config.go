// Package config loads hrguard settings from config files and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Store       StoreConfig     `mapstructure:"store"`
	OTP         OTPConfig       `mapstructure:"otp"`
	Session     SessionConfig   `mapstructure:"session"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Sentry      SentryConfig    `mapstructure:"sentry"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver           string `mapstructure:"driver"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	DBName           string `mapstructure:"dbname"`
	SSLMode          string `mapstructure:"sslmode"`
	DatabaseURL      string `mapstructure:"database_url"`
	MaxOpenConns     int    `mapstructure:"max_open_conns"`
	MaxIdleConns     int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime  string `mapstructure:"conn_max_idle_time"`
	ApplicationName  string `mapstructure:"application_name"`
	ConnectTimeout   int    `mapstructure:"connect_timeout"`
	StatementTimeout int    `mapstructure:"statement_timeout"`
	SQLitePath       string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects where guard state lives.
type StoreConfig struct {
	// Backend is one of memory, sql or redis.
	Backend       string        `mapstructure:"backend"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockWait      time.Duration `mapstructure:"lock_wait"`
	RetryInterval time.Duration `mapstructure:"lock_retry_interval"`
}

type OTPConfig struct {
	CodeLength      int           `mapstructure:"code_length"`
	Expiry          time.Duration `mapstructure:"expiry"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	LockoutDuration time.Duration `mapstructure:"lockout_duration"`
	// Delivery is log or redis.
	Delivery string `mapstructure:"delivery"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	WarningWindow time.Duration `mapstructure:"warning_window"`
	CountdownHint time.Duration `mapstructure:"countdown_hint"`
	HeaderName    string        `mapstructure:"header_name"`
	CookieName    string        `mapstructure:"cookie_name"`
}

type AuthConfig struct {
	AdminAPIKey string `mapstructure:"admin_api_key"`
	// AdminAPIKeyHash is an argon2id hash from `guardctl admin hash-key`; it
	// takes precedence over AdminAPIKey.
	AdminAPIKeyHash         string        `mapstructure:"admin_api_key_hash"`
	RevokeSessionsOnLockout bool          `mapstructure:"revoke_sessions_on_lockout"`
	StepUpSecret            string        `mapstructure:"step_up_secret"`
	StepUpTTL               time.Duration `mapstructure:"step_up_ttl"`
}

type SentryConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	DSN              string  `mapstructure:"dsn"`
	Release          string  `mapstructure:"release"`
	SampleRate       float64 `mapstructure:"sample_rate"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"

	DeliveryLog   = "log"
	DeliveryRedis = "redis"
)

// Load reads config.{yaml,json} from the working directory, ./config or
// $HOME/.hrguard, then applies environment overrides. DATABASE_HOST overrides
// database.host and so on.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.hrguard")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "hrguard")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "300s")
	v.SetDefault("database.conn_max_idle_time", "60s")
	v.SetDefault("database.application_name", "hrguard")
	v.SetDefault("database.connect_timeout", 10)
	v.SetDefault("database.statement_timeout", 5000)
	v.SetDefault("database.sqlite_path", "hrguard.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.backend", BackendSQL)
	v.SetDefault("store.lock_ttl", "5s")
	v.SetDefault("store.lock_wait", "3s")
	v.SetDefault("store.lock_retry_interval", "10ms")

	v.SetDefault("otp.code_length", 6)
	v.SetDefault("otp.expiry", "10m")
	v.SetDefault("otp.max_attempts", 3)
	v.SetDefault("otp.lockout_duration", "15m")
	v.SetDefault("otp.delivery", DeliveryLog)

	v.SetDefault("session.idle_timeout", "15m")
	v.SetDefault("session.warning_window", "2m")
	v.SetDefault("session.countdown_hint", "30s")
	v.SetDefault("session.header_name", "X-Session-ID")
	v.SetDefault("session.cookie_name", "hr_session")

	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("auth.admin_api_key_hash", "")
	v.SetDefault("auth.revoke_sessions_on_lockout", false)
	v.SetDefault("auth.step_up_secret", "")
	v.SetDefault("auth.step_up_ttl", "5m")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.release", "")
	v.SetDefault("sentry.sample_rate", 1.0)
	v.SetDefault("sentry.traces_sample_rate", 0.1)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 10)
	v.SetDefault("rate_limit.window", "1m")
}

// bindLegacyEnv accepts the short names deployment manifests already use.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("database.sqlite_path", "DATABASE_SQLITE_PATH", "SQLITE_PATH")
	_ = v.BindEnv("database.database_url", "DATABASE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("auth.admin_api_key", "AUTH_ADMIN_API_KEY", "ADMIN_API_KEY")
	_ = v.BindEnv("sentry.dsn", "SENTRY_DSN")
}

func (c *Config) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.OTP.Delivery = strings.ToLower(strings.TrimSpace(c.OTP.Delivery))
	if c.Sentry.DSN != "" {
		c.Sentry.Enabled = true
	}
}

// Validate rejects configurations the guards cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("database.driver must be one of sqlite, postgres (got %q)", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && strings.TrimSpace(c.Database.SQLitePath) == "" {
		return fmt.Errorf("database.sqlite_path is required when database.driver is sqlite")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("store.backend must be one of memory, sql, redis (got %q)", c.Store.Backend)
	}

	switch c.OTP.Delivery {
	case DeliveryLog, DeliveryRedis:
	default:
		return fmt.Errorf("otp.delivery must be one of log, redis (got %q)", c.OTP.Delivery)
	}

	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("otp.code_length must be between 4 and 10 (got %d)", c.OTP.CodeLength)
	}
	if c.OTP.MaxAttempts < 1 {
		return fmt.Errorf("otp.max_attempts must be at least 1 (got %d)", c.OTP.MaxAttempts)
	}

	positive := map[string]time.Duration{
		"otp.expiry":           c.OTP.Expiry,
		"otp.lockout_duration": c.OTP.LockoutDuration,
		"session.idle_timeout": c.Session.IdleTimeout,
		"store.lock_ttl":       c.Store.LockTTL,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration (got %s)", key, d)
		}
	}

	if c.Session.WarningWindow < 0 || c.Session.WarningWindow >= c.Session.IdleTimeout {
		return fmt.Errorf("session.warning_window must be shorter than session.idle_timeout (got %s >= %s)",
			c.Session.WarningWindow, c.Session.IdleTimeout)
	}

	if c.Auth.StepUpSecret != "" && len(c.Auth.StepUpSecret) < 32 {
		return fmt.Errorf("auth.step_up_secret must be at least 32 bytes")
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.requests and rate_limit.window must be positive when rate limiting is enabled")
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RedisAddr returns host:port for go-redis.
func (c RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
