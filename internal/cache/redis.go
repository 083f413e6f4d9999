// Package cache wraps a Redis client used by the dispatch pipeline for two
// short-TTL dedupe checks: inbound webhook events (spec §4.8 step 4, ahead
// of the repository's unique-index insert) and inbound bus events (spec
// §4.10 step 2). It is a thin, general cache on top of that — not a
// general-purpose session/profile store, which this service has no use for.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// RedisClientInterface is the subset of *redis.Client this package depends
// on, narrow enough to mock in unit tests.
type RedisClientInterface interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Info(ctx context.Context, section ...string) *redis.StringCmd
	Close() error
}

// RedisService provides the dedupe/cache operations the dispatch pipeline
// needs on top of a Redis connection.
type RedisService struct {
	client RedisClientInterface
	config *RedisConfig
	ctx    context.Context
}

// CacheEntry wraps a cached value with metadata used to enforce TTL at the
// application layer in addition to Redis's own expiry (belt and braces
// against clock skew between the two).
type CacheEntry struct {
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	TTL       int         `json:"ttl"`
	Version   string      `json:"version"`
}

// DefaultTTL is used by Set when the caller passes a zero duration.
var DefaultTTL = 3600 // 1 hour, in seconds

// NewRedisService creates a Redis service instance.
func NewRedisService(config *RedisConfig) (*RedisService, error) {
	ctx := telemetry.WithCorrelationID(context.Background(), telemetry.NewCorrelationID())
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": "redis_connection",
		"service":   "cache",
	})

	if config == nil {
		config = getConfigFromEnv()
	}

	logger = logger.WithFields(map[string]interface{}{
		"host":      config.Host,
		"port":      config.Port,
		"db":        config.DB,
		"pool_size": config.PoolSize,
	})
	logger.Info("Establishing Redis connection")

	rdb := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: 3,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connected successfully")
	return &RedisService{client: rdb, config: config, ctx: ctx}, nil
}

// NewInstrumentedRedisService creates a Redis service instance with
// OpenTelemetry tracing attached to every command.
func NewInstrumentedRedisService(config *RedisConfig) (*RedisService, error) {
	ctx := telemetry.WithCorrelationID(context.Background(), telemetry.NewCorrelationID())
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation":       "instrumented_redis_connection",
		"service":         "cache",
		"instrumentation": "opentelemetry",
	})

	if config == nil {
		config = getConfigFromEnv()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.WithError(err).Warn("Failed to attach Redis tracing instrumentation")
	}

	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Error("Failed to connect to instrumented Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Instrumented Redis connected successfully")
	return &RedisService{client: client, config: config, ctx: ctx}, nil
}

func getConfigFromEnv() *RedisConfig {
	port, _ := strconv.Atoi(getEnvOrDefault("REDIS_PORT", "6379"))
	db, _ := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
	poolSize, _ := strconv.Atoi(getEnvOrDefault("REDIS_POOL_SIZE", "10"))

	return &RedisConfig{
		Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
		Port:     port,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		PoolSize: poolSize,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Set stores a value with TTL.
func (r *RedisService) Set(key string, value interface{}, ttl time.Duration) error {
	logger := telemetry.GetContextualLogger(r.ctx).WithFields(map[string]interface{}{
		"operation": "redis_set", "key": key, "service": "cache",
	})

	data, err := json.Marshal(value)
	if err != nil {
		logger.WithError(err).Error("Failed to marshal value for cache")
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	expiration := ttl
	if ttl == 0 {
		expiration = time.Duration(DefaultTTL) * time.Second
	}

	if err := r.client.Set(r.ctx, key, data, expiration).Err(); err != nil {
		logger.WithError(err).Error("Failed to set cache value")
		return err
	}
	return nil
}

// Get retrieves a string value directly.
func (r *RedisService) Get(key string) (string, error) {
	val, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", fmt.Errorf("key not found: %s", key)
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// GetWithUnmarshal retrieves a value and unmarshals it into dest.
func (r *RedisService) GetWithUnmarshal(key string, dest interface{}) error {
	val, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("key not found: %s", key)
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return json.Unmarshal([]byte(val), dest)
}

// Delete removes a key.
func (r *RedisService) Delete(key string) error {
	return r.client.Del(r.ctx, key).Err()
}

// Exists checks if a key exists.
func (r *RedisService) Exists(key string) (bool, error) {
	result, err := r.client.Exists(r.ctx, key).Result()
	return result > 0, err
}

// Expire sets TTL for a key.
func (r *RedisService) Expire(key string, ttl time.Duration) error {
	return r.client.Expire(r.ctx, key, ttl).Err()
}

// TTL gets remaining time to live.
func (r *RedisService) TTL(key string) (time.Duration, error) {
	return r.client.TTL(r.ctx, key).Result()
}

// SetCache stores data wrapped with cache metadata.
func (r *RedisService) SetCache(key string, data interface{}, ttlSeconds int) error {
	entry := CacheEntry{Data: data, Timestamp: time.Now(), TTL: ttlSeconds, Version: "1.0"}
	return r.Set(fmt.Sprintf("cache:%s", key), entry, time.Duration(ttlSeconds)*time.Second)
}

// GetCache retrieves cached data, rejecting entries past their TTL even if
// Redis itself has not expired the key yet.
func (r *RedisService) GetCache(key string, dest interface{}) error {
	var entry CacheEntry
	if err := r.GetWithUnmarshal(fmt.Sprintf("cache:%s", key), &entry); err != nil {
		return err
	}
	if time.Since(entry.Timestamp) > time.Duration(entry.TTL)*time.Second {
		return fmt.Errorf("cache entry expired")
	}
	dataBytes, err := json.Marshal(entry.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(dataBytes, dest)
}

// DeleteCache removes cached data.
func (r *RedisService) DeleteCache(key string) error {
	return r.Delete(fmt.Sprintf("cache:%s", key))
}

// MarkSeenIfNew atomically records key as seen and reports whether it was
// new (not already present). Backs the Event Ingress dedupe store (spec §4.10 step 2)
// and the webhook pre-check ahead of the repository's unique-index insert
// (spec §4.8 step 4): a true return means this is the first delivery, a
// false return means skip processing.
func (r *RedisService) MarkSeenIfNew(key string, ttl time.Duration) (firstSeen bool, err error) {
	ok, err := r.client.SetNX(r.ctx, fmt.Sprintf("dedupe:%s", key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check failed for %s: %w", key, err)
	}
	return ok, nil
}

// DeletePattern removes keys matching a glob pattern.
func (r *RedisService) DeletePattern(pattern string) (int64, error) {
	keys, err := r.client.Keys(r.ctx, pattern).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(r.ctx, keys...).Result()
}

// InvalidateAll removes every cache:* entry. Does not touch dedupe keys.
func (r *RedisService) InvalidateAll() error {
	_, err := r.DeletePattern("cache:*")
	return err
}

// HealthCheck verifies Redis connectivity.
func (r *RedisService) HealthCheck() bool {
	return r.client.Ping(r.ctx).Err() == nil
}

// GetStats returns cache hit/miss/connection counters scraped from INFO.
func (r *RedisService) GetStats() map[string]interface{} {
	info, err := r.client.Info(r.ctx, "stats").Result()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	stats := map[string]interface{}{
		"hits": int64(0), "misses": int64(0), "connections": 0, "hit_rate": 0.0,
	}

	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "keyspace_hits:") {
			if v, err := strconv.ParseInt(strings.TrimPrefix(line, "keyspace_hits:"), 10, 64); err == nil {
				stats["hits"] = v
			}
		}
		if strings.HasPrefix(line, "keyspace_misses:") {
			if v, err := strconv.ParseInt(strings.TrimPrefix(line, "keyspace_misses:"), 10, 64); err == nil {
				stats["misses"] = v
			}
		}
	}

	if clientInfo, err := r.client.Info(r.ctx, "clients").Result(); err == nil {
		for _, line := range strings.Split(clientInfo, "\r\n") {
			if strings.HasPrefix(line, "connected_clients:") {
				if v, err := strconv.Atoi(strings.TrimPrefix(line, "connected_clients:")); err == nil {
					stats["connections"] = v
				}
			}
		}
	}

	hits, _ := stats["hits"].(int64)
	misses, _ := stats["misses"].(int64)
	if total := hits + misses; total > 0 {
		stats["hit_rate"] = float64(hits) / float64(total)
	}
	return stats
}

// Close closes the Redis connection.
func (r *RedisService) Close() error {
	return r.client.Close()
}

// GetClient returns the underlying *redis.Client, for components (e.g.
// internal/ratelimit) that need raw EVAL/pipeline access this interface
// doesn't expose.
func (r *RedisService) GetClient() *redis.Client {
	if client, ok := r.client.(*redis.Client); ok {
		return client
	}
	return nil
}
