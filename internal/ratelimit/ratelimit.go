// Package ratelimit implements the distributed token bucket of spec §4.4,
// grounded on the teacher's queue.go AcquireLock/ReleaseLock Lua pattern:
// an atomic EVAL script against redis/go-redis/v9 instead of a local
// in-process counter, so every dispatcher instance shares the same buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
)

// tokenBucketScript refills and debits a bucket atomically. KEYS[1] is the
// bucket key; ARGV: capacity, refill_rate_per_sec, now_ms, cost. Returns
// {allowed(0/1), tokens_remaining, retry_after_ms}. Grounded on the same
// "Lua script for atomic check-and-act" shape as the teacher's ReleaseLock.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local bucket = redis.call("HMGET", key, "tokens", "updated_at")
local tokens = tonumber(bucket[1])
local updated_at = tonumber(bucket[2])

if tokens == nil then
	tokens = capacity
	updated_at = now_ms
end

local elapsed = math.max(0, now_ms - updated_at)
tokens = math.min(capacity, tokens + (elapsed / 1000.0) * refill_rate)

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "updated_at", now_ms)
redis.call("PEXPIRE", key, ttl_ms)

local retry_after_ms = 0
if allowed == 0 then
	retry_after_ms = math.ceil(((cost - tokens) / refill_rate) * 1000)
end

return {allowed, tokens, retry_after_ms}
`)

// BucketConfig sets the capacity and refill rate for one level of the key
// hierarchy.
type BucketConfig struct {
	Capacity        float64
	RefillPerSecond float64
}

// Config supplies the per-level bucket parameters. All four levels are
// required; the zero value of a level disables that level (capacity 0 means
// "always admit", used in tests).
type Config struct {
	Recipient BucketConfig
	User      BucketConfig
	Channel   BucketConfig
	IP        BucketConfig
}

// DefaultConfig returns reasonable production defaults: generous at the
// recipient level (protects a single person from a retry storm), tighter at
// tenant:channel (protects the shared provider quota), and a blunt IP-level
// backstop against abuse from a single source.
func DefaultConfig() Config {
	return Config{
		Recipient: BucketConfig{Capacity: 5, RefillPerSecond: 5.0 / 60},
		User:      BucketConfig{Capacity: 20, RefillPerSecond: 20.0 / 60},
		Channel:   BucketConfig{Capacity: 500, RefillPerSecond: 500.0 / 60},
		IP:        BucketConfig{Capacity: 100, RefillPerSecond: 100.0 / 60},
	}
}

// Limiter enforces the spec §4.4 bucket hierarchy over a shared Redis
// instance. A nil client degrades to single-instance in-memory buckets,
// logged loudly since that is a correctness degradation per spec §4.4.
type Limiter struct {
	client   *redis.Client
	cfg      Config
	logger   *telemetry.ContextualLogger
	fallback *memoryLimiter
}

// New constructs a Limiter. If client is nil, the limiter falls back to a
// process-local bucket set and logs the degradation once per process.
func New(client *redis.Client, cfg Config, logger *telemetry.ContextualLogger) *Limiter {
	l := &Limiter{client: client, cfg: cfg, logger: logger}
	if client == nil {
		if logger != nil {
			logger.Warn("rate limiter running single-instance in-memory fallback: distributed buckets are not shared across dispatcher replicas")
		}
		l.fallback = newMemoryLimiter()
	}
	return l
}

// Decision is the outcome of checking every applicable bucket.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	DeniedKey  string
}

// Allow checks every bucket in the spec §4.4 hierarchy for (tenantID,
// channel, recipientID, userID, rawForwardedFor, typ). All applicable
// buckets must admit; a miss anywhere denies the whole request with the
// longest RetryAfter across the denying buckets. Critical-type requests
// skip the recipient bucket (but still debit tenant:channel).
func (l *Limiter) Allow(ctx context.Context, tenantID string, ch notification.Channel, recipientID, userID, forwardedFor string, typ notification.Type) (Decision, error) {
	now := time.Now()
	ip := extractClientIP(forwardedFor)

	checks := []struct {
		key string
		bc  BucketConfig
	}{}

	if typ != notification.TypeCritical {
		checks = append(checks, struct {
			key string
			bc  BucketConfig
		}{fmt.Sprintf("ratelimit:%s:%s:recipient:%s", tenantID, ch, recipientID), l.cfg.Recipient})
	}
	checks = append(checks,
		struct {
			key string
			bc  BucketConfig
		}{fmt.Sprintf("ratelimit:%s:%s:user:%s", tenantID, ch, userID), l.cfg.User},
		struct {
			key string
			bc  BucketConfig
		}{fmt.Sprintf("ratelimit:%s:%s:channel", tenantID, ch), l.cfg.Channel},
		struct {
			key string
			bc  BucketConfig
		}{fmt.Sprintf("ratelimit:ip:%s", ip), l.cfg.IP},
	)

	var worstRetry time.Duration
	deniedKey := ""
	for _, c := range checks {
		if c.bc.Capacity <= 0 {
			continue
		}
		allowed, retryAfter, err := l.checkBucket(ctx, c.key, c.bc, now)
		if err != nil {
			return Decision{}, err
		}
		if !allowed {
			if retryAfter > worstRetry {
				worstRetry = retryAfter
			}
			if deniedKey == "" {
				deniedKey = c.key
			}
		}
	}

	if deniedKey != "" {
		return Decision{Allowed: false, RetryAfter: worstRetry, DeniedKey: deniedKey}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) checkBucket(ctx context.Context, key string, bc BucketConfig, now time.Time) (bool, time.Duration, error) {
	if l.fallback != nil {
		return l.fallback.take(key, bc, now)
	}

	ttlMs := int64(2 * time.Minute / time.Millisecond)
	if bc.RefillPerSecond > 0 {
		fillTimeMs := int64(bc.Capacity / bc.RefillPerSecond * 1000)
		if fillTimeMs > ttlMs {
			ttlMs = fillTimeMs
		}
	}

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		bc.Capacity, bc.RefillPerSecond, now.UnixMilli(), 1.0, ttlMs).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: eval token bucket for %s: %w", key, err)
	}

	row, ok := res.([]interface{})
	if !ok || len(row) != 3 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result shape for %s", key)
	}
	allowed := toInt64(row[0]) == 1
	retryAfterMs := toInt64(row[2])
	return allowed, time.Duration(retryAfterMs) * time.Millisecond, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// extractClientIP returns the right-most address in a comma-separated
// X-Forwarded-For chain, per spec §4.4: "never trust client-supplied
// identities" — only the entry closest to our own proxy is ours to trust.
func extractClientIP(forwardedFor string) string {
	if forwardedFor == "" {
		return "unknown"
	}
	parts := strings.Split(forwardedFor, ",")
	last := strings.TrimSpace(parts[len(parts)-1])
	if host, _, err := net.SplitHostPort(last); err == nil {
		return host
	}
	return last
}
