package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/hrguard/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps a Redis client with logging and Sentry tracing.
type RedisClient struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisConnection connects and pings once; there is no retry because
// guardctl and the server both fail fast when Redis is the configured store.
func NewRedisConnection(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "redis"))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	rdb.AddHook(&RedisSentryHook{})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr(), err)
	}

	logger.Info("Successfully connected to Redis", zap.String("addr", cfg.RedisAddr()))
	return &RedisClient{Client: rdb, logger: logger}, nil
}

// NewRedisClientFromExisting wraps a client built elsewhere, such as one
// pointed at miniredis in tests.
func NewRedisClientFromExisting(client *redis.Client, logger *zap.Logger) *RedisClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	client.AddHook(&RedisSentryHook{})
	return &RedisClient{Client: client, logger: logger.With(zap.String("component", "redis"))}
}

func (r *RedisClient) Close() {
	if r == nil || r.Client == nil {
		return
	}
	if err := r.Client.Close(); err != nil {
		r.logger.Error("Error closing Redis client", zap.Error(err))
		return
	}
	r.logger.Info("Redis connection closed")
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return r.Client.Ping(ctx).Err()
}
