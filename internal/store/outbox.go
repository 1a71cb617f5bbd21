package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/allocops/internal/domain"
)

// ClaimDue locks up to limit due PENDING messages inside tx. SKIP LOCKED
// keeps concurrent dispatcher instances from claiming the same rows; a crash
// before commit releases the locks and the rows stay PENDING.
func ClaimDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	defer observe("outbox_claim_due")()
	rows, err := tx.Query(ctx, `
		SELECT event_id, aggregate_type, aggregate_id, event_type, payload,
		       occurred_at, available_at, retry_count, status, last_error
		FROM outbox_messages
		WHERE status = 'PENDING' AND available_at <= $1
		ORDER BY available_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.EventID, &m.AggregateType, &m.AggregateID, &m.EventType,
			&m.Payload, &m.OccurredAt, &m.AvailableAt, &m.RetryCount, &m.Status, &m.LastError); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkSent transitions a message to its terminal SENT state.
func MarkSent(ctx context.Context, tx pgx.Tx, eventID string, sentAt time.Time) error {
	defer observe("outbox_mark_sent")()
	_, err := tx.Exec(ctx,
		"UPDATE outbox_messages SET status = 'SENT', sent_at = $1 WHERE event_id = $2",
		sentAt, eventID)
	return err
}

// Reschedule records a failed attempt and defers the next one.
func Reschedule(ctx context.Context, tx pgx.Tx, eventID string, retryCount int, availableAt time.Time, lastErr string) error {
	defer observe("outbox_reschedule")()
	_, err := tx.Exec(ctx, `
		UPDATE outbox_messages
		SET retry_count = $1, available_at = $2, last_error = $3
		WHERE event_id = $4`,
		retryCount, availableAt, lastErr, eventID)
	return err
}

// Quarantine transitions a poison message to its terminal FAILED state.
func Quarantine(ctx context.Context, tx pgx.Tx, eventID string, retryCount int, lastErr string) error {
	defer observe("outbox_quarantine")()
	_, err := tx.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'FAILED', retry_count = $1, last_error = $2
		WHERE event_id = $3`,
		retryCount, lastErr, eventID)
	return err
}

// OutboxStats is a per-status row count for operational visibility.
func (s *Store) OutboxStats(ctx context.Context) (map[domain.OutboxStatus]int64, error) {
	defer observe("outbox_stats")()
	rows, err := s.Pool.Query(ctx,
		"SELECT status, count(*) FROM outbox_messages GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.OutboxStatus]int64)
	for rows.Next() {
		var status domain.OutboxStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
