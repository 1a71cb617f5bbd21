package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/redistest"
	"github.com/punchamoorthee/allocops/internal/retry"
)

var testPartition = Partition{
	Key:            "02:373",
	Code:           "02",
	CategoryPrefix: "373",
	SerialWidth:    4,
	MaxSerial:      9999,
}

func fastAllocator(fake *redistest.FakeScripter) *Allocator {
	a := New(fake)
	a.retryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return a
}

func TestFormatCode(t *testing.T) {
	tests := []struct {
		serial int64
		want   string
	}{
		{1, "023730001"},
		{42, "023730042"},
		{9999, "023739999"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCode(testPartition, tt.serial))
	}
}

func TestAllocateNew(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{"new", "023730001"}})
	a := fastAllocator(fake)

	got, err := a.Allocate(context.Background(), testPartition, "st-1")
	require.NoError(t, err)
	assert.Equal(t, Assignment{Code: "023730001"}, got)
}

func TestAllocateReusedIsIdempotent(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{"reused", "023730007"}})
	a := fastAllocator(fake)

	got, err := a.Allocate(context.Background(), testPartition, "st-7")
	require.NoError(t, err)
	assert.Equal(t, Assignment{Code: "023730007", Reused: true}, got)
}

func TestAllocateExhaustedDoesNotRetry(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{"exhausted"}})
	a := fastAllocator(fake)

	_, err := a.Allocate(context.Background(), testPartition, "st-1")
	require.ErrorIs(t, err, domain.ErrSequenceExhausted)
	assert.Equal(t, 1, fake.Calls, "retrying cannot change a full partition")
}

func TestAllocateRetriesPendingThenSucceeds(t *testing.T) {
	fake := redistest.NewFakeScripter(
		redistest.Reply{Val: []interface{}{"pending"}},
		redistest.Reply{Val: []interface{}{"reused", "023730003"}},
	)
	a := fastAllocator(fake)

	got, err := a.Allocate(context.Background(), testPartition, "st-3")
	require.NoError(t, err)
	assert.True(t, got.Reused)
	assert.Equal(t, 2, fake.Calls)
}

func TestAllocateRetryBudgetExhausted(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{"pending"}})
	a := fastAllocator(fake)

	_, err := a.Allocate(context.Background(), testPartition, "st-1")
	require.ErrorIs(t, err, domain.ErrSequenceRetryExhausted)
	assert.Equal(t, 3, fake.Calls)
}

func TestPreview(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: "41"})
	a := fastAllocator(fake)

	code, err := a.Preview(context.Background(), testPartition)
	require.NoError(t, err)
	assert.Equal(t, "023730042", code)
}

func TestPreviewExhausted(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: "9999"})
	a := fastAllocator(fake)

	_, err := a.Preview(context.Background(), testPartition)
	require.ErrorIs(t, err, domain.ErrSequenceExhausted)
}
