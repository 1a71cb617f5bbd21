// Package ratelimit implements admission control per (consumer, route) key
// as an atomic token bucket in Redis. The check-and-deduct runs as one
// server-side script; there is no client-side read-then-write window.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/allocops/internal/domain"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alloc_ratelimit_decisions_total",
		Help: "Admission decisions by outcome",
	}, []string{"outcome"})

	storeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alloc_ratelimit_store_seconds",
		Help:    "Latency of the rate-limit script round-trip",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	})
)

// tokenBucketScript refills continuously at ARGV[1] tokens/sec up to ARGV[2]
// and deducts one token if available. It returns {allowed, remaining,
// retry_after_seconds} where retry_after is the minimum wait until one token
// exists. State self-cleans via TTL sized to a full refill.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix time (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    wait = (1 - tokens) / rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
local ttl = math.ceil(capacity / rate) * 2
if ttl < 60 then
    ttl = 60
end
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens), tostring(wait)}
`)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limit describes the bucket for one route class. FailOpen selects the
// degraded-backend policy: read-only routes admit (over-admitting reads is
// harmless), mutating routes reject (over-admitting writes risks downstream
// invariants).
type Limit struct {
	Capacity     int
	RefillPerSec float64
	FailOpen     bool
}

// Limiter performs admission checks against Redis, falling back to an
// in-process bucket for fail-open routes when Redis is unreachable.
type Limiter struct {
	rdb      redis.Scripter
	prefix   string
	fallback *localStore
	now      func() time.Time
}

func New(rdb redis.Scripter) *Limiter {
	return &Limiter{
		rdb:      rdb,
		prefix:   "ratelimit:",
		fallback: newLocalStore(),
		now:      time.Now,
	}
}

// Consume attempts to deduct one token for key. It never blocks: a denied
// call reports the minimum wait in RetryAfter and returns immediately.
func (l *Limiter) Consume(ctx context.Context, key string, lim Limit) (Decision, error) {
	now := float64(l.now().UnixMicro()) / 1e6

	start := time.Now()
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.prefix + key},
		lim.RefillPerSec, lim.Capacity, now).Result()
	storeLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if lim.FailOpen {
			// Degraded backend on a fail-open route always admits. The
			// local bucket only tracks how hot the key runs while Redis
			// is down, so the outage is visible in the metrics.
			if l.fallback.allow(key, lim) {
				decisionsTotal.WithLabelValues("fail_open").Inc()
			} else {
				decisionsTotal.WithLabelValues("fail_open_hot").Inc()
			}
			return Decision{Allowed: true, Remaining: lim.Capacity}, nil
		}
		decisionsTotal.WithLabelValues("fail_closed").Inc()
		return Decision{}, &domain.InfraError{Op: "ratelimit consume", Err: err}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, &domain.InfraError{Op: "ratelimit consume", Err: fmt.Errorf("unexpected script reply %v", res)}
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	waitStr, _ := vals[2].(string)
	wait, _ := strconv.ParseFloat(waitStr, 64)

	if allowed == 1 {
		decisionsTotal.WithLabelValues("allowed").Inc()
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}
	decisionsTotal.WithLabelValues("denied").Inc()
	return Decision{
		Remaining:  int(remaining),
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}, nil
}
