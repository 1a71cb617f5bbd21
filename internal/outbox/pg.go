package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/store"
)

// PgSource opens one transaction per dispatcher pass against the shared
// allocations database.
type PgSource struct {
	Pool *pgxpool.Pool
}

func (s *PgSource) Begin(ctx context.Context) (Batch, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgBatch{tx: tx}, nil
}

type pgBatch struct {
	tx pgx.Tx
}

func (b *pgBatch) Claim(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	return store.ClaimDue(ctx, b.tx, now, limit)
}

func (b *pgBatch) MarkSent(ctx context.Context, eventID string, sentAt time.Time) error {
	return store.MarkSent(ctx, b.tx, eventID, sentAt)
}

func (b *pgBatch) Reschedule(ctx context.Context, eventID string, retryCount int, availableAt time.Time, lastErr string) error {
	return store.Reschedule(ctx, b.tx, eventID, retryCount, availableAt, lastErr)
}

func (b *pgBatch) Quarantine(ctx context.Context, eventID string, retryCount int, lastErr string) error {
	return store.Quarantine(ctx, b.tx, eventID, retryCount, lastErr)
}

func (b *pgBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *pgBatch) Rollback(ctx context.Context) {
	_ = b.tx.Rollback(ctx)
}
