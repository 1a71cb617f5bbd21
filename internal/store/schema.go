package store

import "context"

// Schema is applied by cmd/seeder. The unique constraint on
// (requester_id, partition_code) is the single source of truth for "has this
// requester already been allocated in this partition"; application checks
// only short-circuit the happy path.
const Schema = `
CREATE TABLE IF NOT EXISTS allocations (
    id              BIGSERIAL PRIMARY KEY,
    partition_code  TEXT NOT NULL,
    allocation_code TEXT NOT NULL,
    requester_id    TEXT NOT NULL,
    resource_id     TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active',
    idempotency_key TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT allocations_requester_partition_uniq UNIQUE (requester_id, partition_code)
);

CREATE UNIQUE INDEX IF NOT EXISTS allocations_code_uniq
    ON allocations (allocation_code);

CREATE TABLE IF NOT EXISTS outbox_messages (
    event_id       UUID PRIMARY KEY,
    aggregate_type TEXT NOT NULL,
    aggregate_id   TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    payload        JSONB NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL,
    available_at   TIMESTAMPTZ NOT NULL,
    retry_count    INT NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'PENDING',
    last_error     TEXT NOT NULL DEFAULT '',
    sent_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS outbox_due_idx
    ON outbox_messages (status, available_at);
`

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, Schema)
	return err
}
