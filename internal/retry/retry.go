// Package retry is the single retry-with-backoff utility shared by the
// sequence allocator, the idempotency poll-wait, and the store executors.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrGiveUp wraps the last error once the attempt budget is spent.
var ErrGiveUp = errors.New("retry budget exhausted")

// Policy parameterizes a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter, when non-nil, supplies randomness for delay spreading. Nil
	// means full deterministic backoff (used by tests).
	Jitter *rand.Rand
}

// Delay returns the wait before the given attempt (1-based): base * 2^(n-1),
// capped, with up to 25% jitter subtracted when a jitter source is set.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << uint(attempt-1)
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	if p.Jitter != nil && d > 0 {
		d -= time.Duration(p.Jitter.Int63n(int64(d) / 4))
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping Delay between attempts.
// fn returns (done, err): done true stops immediately with err as the final
// result; done false with a non-nil err aborts without retrying (permanent
// failure); done false with nil err means "not yet, try again".
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		done, err := fn(ctx)
		if done {
			return err
		}
		if err != nil {
			return err
		}
		if attempt >= p.MaxAttempts {
			return ErrGiveUp
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
