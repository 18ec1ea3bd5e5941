package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crowdbank-realtime/pkg/logger"
	"crowdbank-realtime/pkg/metrics"
)

// ErrRedisDegraded is returned instead of running a command while Redis is unhealthy
var ErrRedisDegraded = errors.New("redis is in degraded mode")

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps a Redis client with degraded mode support. While degraded,
// the Safe* helpers fail fast and callers fall back to local state.
type RedisClient struct {
	Client        *redis.Client
	metrics       *metrics.Metrics
	degraded      bool
	degradedMu    sync.RWMutex
	healthCheckMu sync.Mutex
}

// NewRedisDB connects to Redis from config and verifies the connection
func NewRedisDB(ctx context.Context, cfg *RedisConfig, m *metrics.Metrics) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisClient(client, m), nil
}

// NewRedisClient wraps an existing client
func NewRedisClient(client *redis.Client, m *metrics.Metrics) *RedisClient {
	return &RedisClient{Client: client, metrics: m}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck pings Redis every interval until ctx is done
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedMu.RLock()
	defer r.degradedMu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.degradedMu.Lock()
	changed := r.degraded != degraded
	r.degraded = degraded
	r.degradedMu.Unlock()

	if !changed {
		return
	}
	if degraded {
		logger.Warn("Redis entered degraded mode")
	} else {
		logger.Info("Redis recovered from degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode.
// Concurrent checks are serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := r.Client.Ping(healthCtx).Err()
	r.metrics.RecordRedisCommand("ping", time.Since(start), err)
	if err != nil {
		r.setDegraded(true)
		logger.Debug("Redis health check failed", zap.Error(err))
		return fmt.Errorf("redis health check failed: %w", err)
	}
	r.setDegraded(false)
	return nil
}

// SafeGet performs a GET unless degraded
func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", ErrRedisDegraded)
	}
	start := time.Now()
	cmd := r.Client.Get(ctx, key)
	r.record("get", start, cmd.Err())
	return cmd
}

// SafeSet performs a SET unless degraded
func (r *RedisClient) SafeSet(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", ErrRedisDegraded)
	}
	start := time.Now()
	cmd := r.Client.Set(ctx, key, value, expiration)
	r.record("set", start, cmd.Err())
	return cmd
}

// SafeDel performs a DEL unless degraded
func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrRedisDegraded)
	}
	start := time.Now()
	cmd := r.Client.Del(ctx, keys...)
	r.record("del", start, cmd.Err())
	return cmd
}

func (r *RedisClient) record(command string, start time.Time, err error) {
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	r.metrics.RecordRedisCommand(command, time.Since(start), err)
}
