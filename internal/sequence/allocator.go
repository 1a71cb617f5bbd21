// Package sequence issues unique, monotonically increasing, human-readable
// codes per partition, with per-requester dedupe. The read-increment-write
// cycle runs as one atomic server-side script so concurrent processes cannot
// race the counter.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/retry"
)

var allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "alloc_sequence_allocations_total",
	Help: "Sequence allocation outcomes",
}, []string{"outcome"})

// placeholder marks an in-flight assignment for a requester. It can never be
// a real code (codes are all digits).
const placeholder = "*"

// allocateScript resolves a requester's assignment in one atomic step:
// reuse a completed assignment, report an in-flight one, or claim the next
// serial, guard exhaustion, format the code, and persist it.
// KEYS[1] = assignment key, KEYS[2] = partition serial key
// ARGV[1] = max serial, ARGV[2] = placeholder TTL seconds,
// ARGV[3] = partition code, ARGV[4] = category prefix, ARGV[5] = serial width
var allocateScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    if cur == "*" then
        return {"pending"}
    end
    return {"reused", cur}
end

redis.call("SET", KEYS[1], "*", "EX", tonumber(ARGV[2]))
local serial = redis.call("INCR", KEYS[2])
if serial > tonumber(ARGV[1]) then
    redis.call("DECR", KEYS[2])
    redis.call("DEL", KEYS[1])
    return {"exhausted"}
end

local code = ARGV[3] .. ARGV[4] .. string.format("%0" .. ARGV[5] .. "d", serial)
redis.call("SET", KEYS[1], code)
return {"new", code}
`)

// previewScript reads the current serial without reserving anything.
// KEYS[1] = partition serial key
var previewScript = redis.NewScript(`
return redis.call("GET", KEYS[1]) or "0"
`)

// Partition is the namespace within which serials are issued independently.
type Partition struct {
	// Key identifies the partition in the store, e.g. "2026:373".
	Key string
	// Code is the fixed-width partition prefix of issued codes, e.g. "02".
	Code string
	// CategoryPrefix is the fixed-width category part, e.g. "373".
	CategoryPrefix string
	// SerialWidth is the zero-padded width of the serial part.
	SerialWidth int
	// MaxSerial caps the partition; serials past it return exhaustion.
	MaxSerial int64
}

// FormatCode renders the deterministic code for a serial in p.
func FormatCode(p Partition, serial int64) string {
	return fmt.Sprintf("%s%s%0*d", p.Code, p.CategoryPrefix, p.SerialWidth, serial)
}

// Assignment is the outcome of an Allocate call.
type Assignment struct {
	Code   string
	Reused bool
}

// Allocator wraps the store script in the bounded retry loop for in-flight
// contention on the same requester.
type Allocator struct {
	rdb            redis.Scripter
	placeholderTTL time.Duration
	retryPolicy    retry.Policy
}

func New(rdb redis.Scripter) *Allocator {
	return &Allocator{
		rdb:            rdb,
		placeholderTTL: 30 * time.Second,
		retryPolicy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}
}

func assignKey(p Partition, requesterID string) string {
	return "seq:assign:" + p.Key + ":" + requesterID
}

func serialKey(p Partition) string {
	return "seq:serial:" + p.Key
}

// Allocate returns the requester's code in p, issuing the next serial on
// first call and idempotently re-returning it on retries. Exhaustion is
// returned immediately without retry; contention with another in-flight
// attempt for the same requester is retried with backoff until the bounded
// attempt budget runs out.
func (a *Allocator) Allocate(ctx context.Context, p Partition, requesterID string) (Assignment, error) {
	var out Assignment

	err := retry.Do(ctx, a.retryPolicy, func(ctx context.Context) (bool, error) {
		raw, err := allocateScript.Run(ctx, a.rdb,
			[]string{assignKey(p, requesterID), serialKey(p)},
			p.MaxSerial, int(a.placeholderTTL.Seconds()),
			p.Code, p.CategoryPrefix, p.SerialWidth,
		).Result()
		if err != nil {
			return false, &domain.InfraError{Op: "sequence allocate", Err: err}
		}

		vals, ok := raw.([]interface{})
		if !ok || len(vals) == 0 {
			return false, &domain.InfraError{Op: "sequence allocate", Err: fmt.Errorf("unexpected script reply %v", raw)}
		}
		state, _ := vals[0].(string)

		switch state {
		case "new":
			code, _ := vals[1].(string)
			out = Assignment{Code: code}
			return true, nil
		case "reused":
			code, _ := vals[1].(string)
			out = Assignment{Code: code, Reused: true}
			return true, nil
		case "exhausted":
			return false, domain.ErrSequenceExhausted
		default: // pending
			return false, nil
		}
	})

	switch {
	case err == nil:
		if out.Reused {
			allocationsTotal.WithLabelValues("reused").Inc()
		} else {
			allocationsTotal.WithLabelValues("new").Inc()
		}
		return out, nil
	case err == retry.ErrGiveUp:
		allocationsTotal.WithLabelValues("retry_exhausted").Inc()
		return Assignment{}, domain.ErrSequenceRetryExhausted
	default:
		if err == domain.ErrSequenceExhausted {
			allocationsTotal.WithLabelValues("exhausted").Inc()
		}
		return Assignment{}, err
	}
}

// Preview computes the next code that would be issued in p without
// reserving anything.
func (a *Allocator) Preview(ctx context.Context, p Partition) (string, error) {
	raw, err := previewScript.Run(ctx, a.rdb, []string{serialKey(p)}).Result()
	if err != nil {
		return "", &domain.InfraError{Op: "sequence preview", Err: err}
	}
	var serial int64
	switch v := raw.(type) {
	case string:
		fmt.Sscanf(v, "%d", &serial)
	case int64:
		serial = v
	}
	if serial >= p.MaxSerial {
		return "", domain.ErrSequenceExhausted
	}
	return FormatCode(p, serial+1), nil
}
