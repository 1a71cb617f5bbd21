// Package outbox delivers enqueued events to the downstream transport with
// retry, exponential backoff, and poison-message quarantine. Messages are
// written by the allocation transaction; this package owns them afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/allocops/internal/domain"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alloc_outbox_deliveries_total",
		Help: "Outbox delivery attempts by outcome",
	}, []string{"outcome"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alloc_outbox_batch_size",
		Help:    "Messages claimed per dispatcher pass",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alloc_outbox_in_flight",
		Help: "Messages currently being published",
	})
)

// Headers accompany every published event.
type Headers struct {
	EventID        string
	AggregateID    string
	IdempotencyKey string
}

// Publisher is the downstream transport collaborator.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, h Headers) error
}

// Batch is one claimed set of due messages whose state changes commit
// together. A crash before Commit leaves every unsent message PENDING.
type Batch interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error)
	MarkSent(ctx context.Context, eventID string, sentAt time.Time) error
	Reschedule(ctx context.Context, eventID string, retryCount int, availableAt time.Time, lastErr string) error
	Quarantine(ctx context.Context, eventID string, retryCount int, lastErr string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// BatchSource opens batches; the Postgres implementation lives in pg.go.
type BatchSource interface {
	Begin(ctx context.Context) (Batch, error)
}

// Observer receives per-message outcomes for operational visibility.
type Observer func(eventID string, status domain.OutboxStatus, context string)

// Config tunes the dispatcher loop.
type Config struct {
	BatchLimit  int
	Interval    time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchLimit:  50,
		Interval:    2 * time.Second,
		MaxRetries:  8,
		BackoffBase: 5 * time.Second,
		BackoffCap:  10 * time.Minute,
	}
}

// Backoff returns the redelivery delay after the given number of consecutive
// failures: base * 2^(retries-1), capped. The delay is derived from the
// retry count alone, never from stored wall-clock timestamps, so clock
// adjustments cannot cause premature or indefinitely deferred redelivery.
func (c Config) Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := c.BackoffBase << uint(retries-1)
	if d > c.BackoffCap || d < 0 {
		d = c.BackoffCap
	}
	return d
}

// Dispatcher drains due outbox messages. Multiple instances may run
// concurrently; row locking in the batch source keeps them disjoint.
type Dispatcher struct {
	source    BatchSource
	publisher Publisher
	cfg       Config
	observer  Observer
	log       *slog.Logger
	now       func() time.Time
}

func NewDispatcher(source BatchSource, publisher Publisher, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// SetObserver installs the per-message outcome hook.
func (d *Dispatcher) SetObserver(o Observer) { d.observer = o }

// Run loops until the context is cancelled, sleeping Interval between
// passes.
func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()

	for {
		if n, err := d.RunOnce(ctx); err != nil {
			d.log.Error("outbox pass failed", "error", err)
		} else if n > 0 {
			d.log.Debug("outbox pass", "delivered_or_rescheduled", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce claims and processes one batch, committing all state changes
// together. It returns the number of messages handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	batch, err := d.source.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer batch.Rollback(ctx)

	msgs, err := batch.Claim(ctx, d.now(), d.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	batchSize.Observe(float64(len(msgs)))
	if len(msgs) == 0 {
		return 0, nil
	}

	for _, m := range msgs {
		if err := d.process(ctx, batch, m); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (d *Dispatcher) process(ctx context.Context, batch Batch, m domain.OutboxMessage) error {
	inFlight.Inc()
	pubErr := d.publisher.Publish(ctx, m.EventType, m.Payload, Headers{
		EventID:        m.EventID,
		AggregateID:    m.AggregateID,
		IdempotencyKey: extractIdempotencyKey(m.Payload),
	})
	inFlight.Dec()

	if pubErr == nil {
		deliveriesTotal.WithLabelValues("sent").Inc()
		d.notify(m.EventID, domain.OutboxSent, "")
		return batch.MarkSent(ctx, m.EventID, d.now())
	}

	retries := m.RetryCount + 1
	if retries > d.cfg.MaxRetries {
		deliveriesTotal.WithLabelValues("quarantined").Inc()
		d.log.Error("outbox message quarantined",
			"event_id", m.EventID,
			"event_type", m.EventType,
			"retries", retries,
			"error", pubErr)
		d.notify(m.EventID, domain.OutboxFailed, pubErr.Error())
		return batch.Quarantine(ctx, m.EventID, retries, pubErr.Error())
	}

	deliveriesTotal.WithLabelValues("retried").Inc()
	next := d.now().Add(d.cfg.Backoff(retries))
	d.notify(m.EventID, domain.OutboxPending, pubErr.Error())
	return batch.Reschedule(ctx, m.EventID, retries, next, pubErr.Error())
}

func (d *Dispatcher) notify(eventID string, status domain.OutboxStatus, context string) {
	if d.observer != nil {
		d.observer(eventID, status, context)
	}
}

func extractIdempotencyKey(payload []byte) string {
	var envelope struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	_ = json.Unmarshal(payload, &envelope)
	return envelope.IdempotencyKey
}
