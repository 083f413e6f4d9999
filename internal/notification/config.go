package notification

import (
	"os"
	"strconv"
	"time"
)

// Config holds the tunables for the notification queue and repository.
// Retry policy lives in internal/retry; rate-limit policy lives in
// internal/ratelimit — this Config only covers storage-layer concerns.
type Config struct {
	// LockTTL bounds the distributed advisory lock used to serialize
	// webhook updates for a given provider_message_id (spec §5).
	LockTTL time.Duration

	// DLQRetentionDays is loaded from NOTIFICATION_DLQ_RETENTION_DAYS.
	// Nothing reads it: CleanupExpired does not remove dead-lettered
	// requests.
	DLQRetentionDays int

	// ExpiredCleanupInterval is loaded from
	// NOTIFICATION_CLEANUP_INTERVAL_SECONDS. Nothing reads it: the
	// idempotency cleanup task runs on the worker's CleanupSchedule cron.
	ExpiredCleanupInterval time.Duration

	// IdempotencyTTL is the minimum retention for IdempotencyRecord rows
	// (spec §3: "TTL ≥ 24h").
	IdempotencyTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:                30 * time.Second,
		DLQRetentionDays:       30,
		ExpiredCleanupInterval: 1 * time.Hour,
		IdempotencyTTL:         24 * time.Hour,
	}
}

// LoadConfig loads configuration from environment variables, falling back
// to DefaultConfig for anything unset or invalid.
func LoadConfig() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("NOTIFICATION_LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LockTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("NOTIFICATION_DLQ_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DLQRetentionDays = n
		}
	}
	if v := os.Getenv("NOTIFICATION_CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ExpiredCleanupInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("NOTIFICATION_IDEMPOTENCY_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IdempotencyTTL = time.Duration(n) * time.Hour
		}
	}

	return cfg
}
