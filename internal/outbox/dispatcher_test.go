package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/allocops/internal/domain"
)

type fakePublisher struct {
	err     error
	headers []Headers
	types   []string
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, _ []byte, h Headers) error {
	p.types = append(p.types, eventType)
	p.headers = append(p.headers, h)
	return p.err
}

type fakeBatch struct {
	msgs        []domain.OutboxMessage
	sent        []string
	rescheduled []rescheduleCall
	quarantined []string
	committed   bool
	rolledBack  bool
}

type rescheduleCall struct {
	eventID     string
	retryCount  int
	availableAt time.Time
}

func (b *fakeBatch) Claim(_ context.Context, _ time.Time, _ int) ([]domain.OutboxMessage, error) {
	return b.msgs, nil
}

func (b *fakeBatch) MarkSent(_ context.Context, eventID string, _ time.Time) error {
	b.sent = append(b.sent, eventID)
	return nil
}

func (b *fakeBatch) Reschedule(_ context.Context, eventID string, retryCount int, availableAt time.Time, _ string) error {
	b.rescheduled = append(b.rescheduled, rescheduleCall{eventID, retryCount, availableAt})
	return nil
}

func (b *fakeBatch) Quarantine(_ context.Context, eventID string, _ int, _ string) error {
	b.quarantined = append(b.quarantined, eventID)
	return nil
}

func (b *fakeBatch) Commit(context.Context) error { b.committed = true; return nil }
func (b *fakeBatch) Rollback(context.Context)     { b.rolledBack = true }

type fakeSource struct{ batch *fakeBatch }

func (s *fakeSource) Begin(context.Context) (Batch, error) { return s.batch, nil }

func msg(id string, retries int) domain.OutboxMessage {
	return domain.OutboxMessage{
		EventID:     id,
		AggregateID: "77",
		EventType:   "allocation.created",
		Payload:     []byte(`{"idempotency_key":"abc123","allocation_code":"023730001"}`),
		Status:      domain.OutboxPending,
		RetryCount:  retries,
	}
}

func testDispatcher(batch *fakeBatch, pub Publisher) *Dispatcher {
	cfg := Config{
		BatchLimit:  10,
		Interval:    time.Millisecond,
		MaxRetries:  3,
		BackoffBase: 5 * time.Second,
		BackoffCap:  time.Minute,
	}
	return NewDispatcher(&fakeSource{batch: batch}, pub, cfg, nil)
}

func TestRunOnceMarksSent(t *testing.T) {
	batch := &fakeBatch{msgs: []domain.OutboxMessage{msg("e1", 0), msg("e2", 0)}}
	pub := &fakePublisher{}
	d := testDispatcher(batch, pub)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2"}, batch.sent)
	assert.True(t, batch.committed, "batch state changes commit together")
	require.Len(t, pub.headers, 2)
	assert.Equal(t, "e1", pub.headers[0].EventID)
	assert.Equal(t, "77", pub.headers[0].AggregateID)
	assert.Equal(t, "abc123", pub.headers[0].IdempotencyKey)
}

func TestRunOnceReschedulesFailure(t *testing.T) {
	batch := &fakeBatch{msgs: []domain.OutboxMessage{msg("e1", 0)}}
	pub := &fakePublisher{err: errors.New("downstream 502")}
	d := testDispatcher(batch, pub)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.rescheduled, 1)
	assert.Equal(t, 1, batch.rescheduled[0].retryCount)
	assert.Empty(t, batch.quarantined)
}

func TestBackoffGrowsStrictly(t *testing.T) {
	batch := &fakeBatch{}
	d := testDispatcher(batch, &fakePublisher{})

	// After k consecutive failures available_at strictly increases.
	prev := time.Duration(0)
	for k := 1; k <= 3; k++ {
		delay := d.cfg.Backoff(k)
		assert.Greater(t, delay, prev, "retry %d", k)
		prev = delay
	}
	assert.Equal(t, 5*time.Second, d.cfg.Backoff(1))
	assert.Equal(t, 10*time.Second, d.cfg.Backoff(2))
	assert.Equal(t, 20*time.Second, d.cfg.Backoff(3))
	assert.Equal(t, time.Minute, d.cfg.Backoff(20), "capped")
}

func TestRunOnceQuarantinesPoisonMessage(t *testing.T) {
	// Message already at the retry ceiling: one more failure quarantines it.
	batch := &fakeBatch{msgs: []domain.OutboxMessage{msg("e1", 3)}}
	pub := &fakePublisher{err: errors.New("still broken")}
	d := testDispatcher(batch, pub)

	var observed []domain.OutboxStatus
	d.SetObserver(func(eventID string, status domain.OutboxStatus, _ string) {
		observed = append(observed, status)
	})

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, batch.quarantined)
	assert.Empty(t, batch.rescheduled)
	assert.Equal(t, []domain.OutboxStatus{domain.OutboxFailed}, observed)
}

func TestRunOnceEmptyBatch(t *testing.T) {
	batch := &fakeBatch{}
	d := testDispatcher(batch, &fakePublisher{})

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, batch.committed)
	assert.True(t, batch.rolledBack)
}

func TestExtractIdempotencyKey(t *testing.T) {
	assert.Equal(t, "k1", extractIdempotencyKey([]byte(`{"idempotency_key":"k1"}`)))
	assert.Empty(t, extractIdempotencyKey([]byte(`{}`)))
	assert.Empty(t, extractIdempotencyKey([]byte(`not json`)))
}
