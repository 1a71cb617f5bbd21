package outbox

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// WebhookPublisher posts events to a downstream HTTP endpoint. Any non-2xx
// response counts as a failed delivery attempt.
type WebhookPublisher struct {
	Endpoint string
	Client   *http.Client
}

func (p *WebhookPublisher) Publish(ctx context.Context, eventType string, payload []byte, h Headers) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", eventType)
	req.Header.Set("X-Event-ID", h.EventID)
	req.Header.Set("X-Aggregate-ID", h.AggregateID)
	if h.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", h.IdempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// StreamPublisher appends events to a Redis stream. Consumers read via
// consumer groups; the event id header lets them deduplicate redeliveries.
type StreamPublisher struct {
	Client *redis.Client
	Stream string
}

func (p *StreamPublisher) Publish(ctx context.Context, eventType string, payload []byte, h Headers) error {
	return p.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		Values: map[string]interface{}{
			"event_id":        h.EventID,
			"event_type":      eventType,
			"aggregate_id":    h.AggregateID,
			"idempotency_key": h.IdempotencyKey,
			"payload":         string(payload),
		},
	}).Err()
}
