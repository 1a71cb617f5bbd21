package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/redistest"
)

func TestConsumeAllowed(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{int64(1), int64(4), "0"}})
	l := New(fake)

	dec, err := l.Consume(context.Background(), "c1:allocate", Limit{Capacity: 5, RefillPerSec: 1})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 4, dec.Remaining)
	assert.Zero(t, dec.RetryAfter)
}

func TestConsumeDeniedReportsRetryAfter(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{int64(0), int64(0), "30"}})
	l := New(fake)

	// capacity=2, refill 2 per 60s: an empty bucket refills one token in 30s.
	dec, err := l.Consume(context.Background(), "c1:allocate", Limit{Capacity: 2, RefillPerSec: 2.0 / 60.0})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 30*time.Second, dec.RetryAfter)
}

func TestConsumeFailClosed(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Err: errors.New("connection refused")})
	l := New(fake)

	_, err := l.Consume(context.Background(), "c1:allocate", Limit{Capacity: 5, RefillPerSec: 1, FailOpen: false})
	var infra *domain.InfraError
	require.ErrorAs(t, err, &infra)
}

func TestConsumeFailOpenAlwaysAllows(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Err: errors.New("connection refused")})
	l := New(fake)
	lim := Limit{Capacity: 1, RefillPerSec: 0.001, FailOpen: true}

	// Fail-open admits regardless of demand, even past the local bucket's
	// burst, and reports full capacity throughout.
	for i := 0; i < 5; i++ {
		dec, err := l.Consume(context.Background(), "c1:read", lim)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "call %d", i)
		assert.Equal(t, lim.Capacity, dec.Remaining)
		assert.Zero(t, dec.RetryAfter)
	}
}

func TestConsumeMalformedReply(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: "what"})
	l := New(fake)

	_, err := l.Consume(context.Background(), "c1:allocate", Limit{Capacity: 5, RefillPerSec: 1})
	var infra *domain.InfraError
	require.ErrorAs(t, err, &infra)
}

func TestLocalStoreIsolatesKeys(t *testing.T) {
	s := newLocalStore()
	lim := Limit{Capacity: 1, RefillPerSec: 0.001}

	assert.True(t, s.allow("a", lim))
	assert.False(t, s.allow("a", lim))
	assert.True(t, s.allow("b", lim), "a's exhaustion must not affect b")
}
