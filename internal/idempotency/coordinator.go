// Package idempotency deduplicates side-effecting requests keyed by a
// client-supplied token plus a hash of the normalized request body. Across N
// concurrent callers with the same key and hash, exactly one obtains the
// reservation; the rest replay the cached response or wait for it.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/retry"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alloc_idempotency_outcomes_total",
		Help: "Reservation outcomes by kind",
	}, []string{"outcome"})

	waitInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alloc_idempotency_waiters",
		Help: "Callers currently poll-waiting on another holder",
	})
)

// reserveScript inspects the record for a key and either hands out the
// reservation, reports the cached completion, or reports why it cannot.
// A pending record whose lock has expired belonged to a crashed holder and
// is taken over.
// KEYS[1] = record key, KEYS[2] = lock key
// ARGV[1] = body hash, ARGV[2] = pending record JSON,
// ARGV[3] = lock token, ARGV[4] = lock TTL seconds
var reserveScript = redis.NewScript(`
local rec = redis.call("GET", KEYS[1])
if rec then
    local data = cjson.decode(rec)
    if data["body_hash"] ~= ARGV[1] then
        return {"conflict"}
    end
    if data["status"] == "completed" then
        return {"completed", rec}
    end
    if redis.call("EXISTS", KEYS[2]) == 1 then
        return {"pending"}
    end
    redis.call("SET", KEYS[2], ARGV[3], "EX", ARGV[4])
    redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[4])
    return {"reserved"}
end
redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[4])
redis.call("SET", KEYS[2], ARGV[3], "EX", ARGV[4])
return {"reserved"}
`)

// commitScript finalizes the record with the full TTL and frees the lock,
// but only for the caller whose token still holds it.
// KEYS[1] = record key, KEYS[2] = lock key
// ARGV[1] = lock token, ARGV[2] = completed record JSON, ARGV[3] = TTL secs
var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
redis.call("DEL", KEYS[2])
return 1
`)

// abortScript deletes both entries so a later caller can retry cleanly.
// KEYS[1] = record key, KEYS[2] = lock key, ARGV[1] = lock token
var abortScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) ~= ARGV[1] then
    return 0
end
redis.call("DEL", KEYS[1])
redis.call("DEL", KEYS[2])
return 1
`)

// CachedResponse is a completed record replayed to a duplicate delivery.
type CachedResponse struct {
	Response json.RawMessage
}

// Reservation is the exclusive right to execute the operation for a key.
// The holder must call exactly one of Commit or Abort.
type Reservation struct {
	c        *Coordinator
	key      string
	bodyHash string
	token    string
}

// Config tunes the reservation protocol.
type Config struct {
	// RecordTTL is how long a completed response stays replayable.
	RecordTTL time.Duration
	// LockTTL bounds how long a crashed holder can block a key.
	LockTTL time.Duration
	// WaitAttempts / WaitDelay bound the poll loop while another caller is
	// in flight. The loop runs on a monotonic deadline, never unbounded.
	WaitAttempts int
	WaitDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecordTTL:    24 * time.Hour,
		LockTTL:      30 * time.Second,
		WaitAttempts: 10,
		WaitDelay:    200 * time.Millisecond,
	}
}

// Coordinator implements the reservation protocol over the shared store.
// Concurrent-pending policy: duplicates poll-wait for the first caller's
// completed response and replay it; they never fail permanently unless the
// body hash differs.
type Coordinator struct {
	rdb redis.Scripter
	cfg Config
	now func() time.Time
}

func New(rdb redis.Scripter, cfg Config) *Coordinator {
	return &Coordinator{rdb: rdb, cfg: cfg, now: time.Now}
}

func (c *Coordinator) recordKey(key string) string { return "idem:rec:" + key }
func (c *Coordinator) lockKey(key string) string   { return "idem:lock:" + key }

// Reserve returns either a Reservation (this caller must execute the
// operation) or a CachedResponse (a completed duplicate). A mismatched body
// hash is a permanent conflict for the key. If another caller holds the
// reservation past the wait budget, ErrIdempotencyInFlight is returned.
func (c *Coordinator) Reserve(ctx context.Context, key, bodyHash string) (*Reservation, *CachedResponse, error) {
	var (
		res    *Reservation
		cached *CachedResponse
	)

	waited := false
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts: c.cfg.WaitAttempts,
		BaseDelay:   c.cfg.WaitDelay,
		MaxDelay:    c.cfg.WaitDelay * 8,
	}, func(ctx context.Context) (bool, error) {
		state, rec, err := c.tryReserve(ctx, key, bodyHash)
		if err != nil {
			return false, err
		}
		switch state {
		case "reserved":
			res = rec.(*Reservation)
			return true, nil
		case "completed":
			cached = rec.(*CachedResponse)
			return true, nil
		case "conflict":
			return false, domain.ErrIdempotencyConflict
		default: // pending
			if !waited {
				waited = true
				waitInFlight.Inc()
			}
			return false, nil
		}
	})
	if waited {
		waitInFlight.Dec()
	}

	switch {
	case err == nil && res != nil:
		outcomesTotal.WithLabelValues("reserved").Inc()
		return res, nil, nil
	case err == nil:
		outcomesTotal.WithLabelValues("replayed").Inc()
		return nil, cached, nil
	case err == retry.ErrGiveUp:
		outcomesTotal.WithLabelValues("wait_timeout").Inc()
		return nil, nil, domain.ErrIdempotencyInFlight
	default:
		if err == domain.ErrIdempotencyConflict {
			outcomesTotal.WithLabelValues("conflict").Inc()
		}
		return nil, nil, err
	}
}

func (c *Coordinator) tryReserve(ctx context.Context, key, bodyHash string) (string, any, error) {
	pending, err := json.Marshal(domain.IdempotencyRecord{
		Status:   domain.IdemPending,
		BodyHash: bodyHash,
		StoredAt: c.now().UTC(),
	})
	if err != nil {
		return "", nil, err
	}

	token := uuid.NewString()
	raw, err := reserveScript.Run(ctx, c.rdb,
		[]string{c.recordKey(key), c.lockKey(key)},
		bodyHash, string(pending), token, int(c.cfg.LockTTL.Seconds()),
	).Result()
	if err != nil {
		return "", nil, &domain.InfraError{Op: "idempotency reserve", Err: err}
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) == 0 {
		return "", nil, &domain.InfraError{Op: "idempotency reserve", Err: fmt.Errorf("unexpected script reply %v", raw)}
	}
	state, _ := vals[0].(string)

	switch state {
	case "reserved":
		return state, &Reservation{c: c, key: key, bodyHash: bodyHash, token: token}, nil
	case "completed":
		body, _ := vals[1].(string)
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return "", nil, &domain.InfraError{Op: "idempotency decode", Err: err}
		}
		return state, &CachedResponse{Response: rec.Response}, nil
	default:
		return state, nil, nil
	}
}

// Commit stores the completed response under the full TTL and releases the
// lock. Only the reservation holder's token can commit.
func (r *Reservation) Commit(ctx context.Context, response []byte) error {
	completed, err := json.Marshal(domain.IdempotencyRecord{
		Status:   domain.IdemCompleted,
		BodyHash: r.bodyHash,
		Response: response,
		StoredAt: r.c.now().UTC(),
	})
	if err != nil {
		return err
	}

	n, err := commitScript.Run(ctx, r.c.rdb,
		[]string{r.c.recordKey(r.key), r.c.lockKey(r.key)},
		r.token, string(completed), int(r.c.cfg.RecordTTL.Seconds()),
	).Int64()
	if err != nil {
		return &domain.InfraError{Op: "idempotency commit", Err: err}
	}
	if n == 0 {
		// Lock expired mid-operation and someone else took over. The
		// operation itself converged at the storage layer; losing the
		// cached response only costs a replay.
		outcomesTotal.WithLabelValues("commit_lost_lock").Inc()
	}
	return nil
}

// Abort deletes the pending record and the lock so a later caller can retry
// cleanly.
func (r *Reservation) Abort(ctx context.Context) error {
	_, err := abortScript.Run(ctx, r.c.rdb,
		[]string{r.c.recordKey(r.key), r.c.lockKey(r.key)}, r.token).Result()
	if err != nil {
		return &domain.InfraError{Op: "idempotency abort", Err: err}
	}
	return nil
}
