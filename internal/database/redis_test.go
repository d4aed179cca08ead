package database

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/irfndi/hrguard/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRedisClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisClientFromExisting(rdb, nil), server
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestNewRedisConnection(t *testing.T) {
	server := miniredis.RunT(t)
	core, logs := observer.New(zap.InfoLevel)

	cfg := config.RedisConfig{Host: server.Host(), Port: mustAtoi(t, server.Port())}
	client, err := NewRedisConnection(t.Context(), cfg, zap.New(core))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.HealthCheck(t.Context()))
	assert.Equal(t, 1, logs.FilterMessage("Successfully connected to Redis").Len())
}

func TestNewRedisConnection_Unreachable(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := config.RedisConfig{Host: server.Host(), Port: mustAtoi(t, server.Port())}
	server.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err := NewRedisConnection(ctx, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestRedisClient_HealthCheck(t *testing.T) {
	client, server := newTestRedisClient(t)
	require.NoError(t, client.HealthCheck(t.Context()))

	server.Close()
	assert.Error(t, client.HealthCheck(t.Context()))
}

func TestRedisClient_NilClient(t *testing.T) {
	var nilClient *RedisClient
	assert.EqualError(t, nilClient.HealthCheck(t.Context()), "redis client is nil")
	assert.NotPanics(t, nilClient.Close)

	empty := &RedisClient{}
	assert.Error(t, empty.HealthCheck(t.Context()))
	assert.NotPanics(t, empty.Close)
}

func TestRedisSentryHook_MissIsNotAnError(t *testing.T) {
	client, server := newTestRedisClient(t)

	_, err := client.Client.Get(t.Context(), "hrguard:absent").Result()
	assert.ErrorIs(t, err, redis.Nil)

	require.NoError(t, client.Client.Set(t.Context(), "hrguard:present", "1", 0).Err())
	assert.True(t, server.Exists("hrguard:present"))

	pipe := client.Client.TxPipeline()
	pipe.Incr(t.Context(), "hrguard:counter")
	pipe.Expire(t.Context(), "hrguard:counter", time.Minute)
	_, err = pipe.Exec(t.Context())
	require.NoError(t, err)
	got, err := server.Get("hrguard:counter")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestRedisClient_Close(t *testing.T) {
	server := miniredis.RunT(t)
	core, logs := observer.New(zap.InfoLevel)
	client := NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: server.Addr()}), zap.New(core))

	client.Close()
	assert.Equal(t, 1, logs.FilterMessage("Redis connection closed").Len())
	assert.Error(t, client.HealthCheck(t.Context()))
}
