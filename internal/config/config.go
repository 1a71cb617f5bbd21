package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource  string
	RedisAddr string
	RedisDB   int
	Port      string
	Env       string

	// Outbox delivery.
	WebhookEndpoint string
	EventStream     string
	OutboxBatch     int
	OutboxInterval  time.Duration
	OutboxRetries   int
	OutboxBackoff   time.Duration
	OutboxCap       time.Duration

	// Idempotency reservation protocol.
	IdempotencyTTL          time.Duration
	IdempotencyLockTTL      time.Duration
	IdempotencyWaitAttempts int
	IdempotencyWaitDelay    time.Duration

	// Admission control, per route class.
	ReadCapacity   int
	ReadRefillRate float64
	WriteCapacity  int
	WriteRefill    float64

	// Sequence partitions.
	DefaultPartition string
	CategoryPrefix   string
	SerialWidth      int
	MaxSerial        int64
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR environment variable is required")
	}

	return &Config{
		DBSource:  dbSource,
		RedisAddr: redisAddr,
		RedisDB:   envInt("REDIS_DB", 0),
		Port:      envStr("SERVER_PORT", "8080"),
		Env:       envStr("ENVIRONMENT", "development"),

		WebhookEndpoint: os.Getenv("OUTBOX_WEBHOOK_URL"),
		EventStream:     envStr("OUTBOX_STREAM", "allocations.events"),
		OutboxBatch:     envInt("OUTBOX_BATCH", 50),
		OutboxInterval:  envDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxRetries:   envInt("OUTBOX_MAX_RETRIES", 8),
		OutboxBackoff:   envDuration("OUTBOX_BACKOFF_BASE", 5*time.Second),
		OutboxCap:       envDuration("OUTBOX_BACKOFF_CAP", 10*time.Minute),

		IdempotencyTTL:          envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyLockTTL:      envDuration("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
		IdempotencyWaitAttempts: envInt("IDEMPOTENCY_WAIT_ATTEMPTS", 10),
		IdempotencyWaitDelay:    envDuration("IDEMPOTENCY_WAIT_DELAY", 200*time.Millisecond),

		ReadCapacity:   envInt("RATE_READ_CAPACITY", 100),
		ReadRefillRate: envFloat("RATE_READ_REFILL", 50),
		WriteCapacity:  envInt("RATE_WRITE_CAPACITY", 10),
		WriteRefill:    envFloat("RATE_WRITE_REFILL", 2),

		DefaultPartition: envStr("SEQ_DEFAULT_PARTITION", "02"),
		CategoryPrefix:   envStr("SEQ_CATEGORY_PREFIX", "373"),
		SerialWidth:      envInt("SEQ_SERIAL_WIDTH", 4),
		MaxSerial:        int64(envInt("SEQ_MAX_SERIAL", 9999)),
	}, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
