package domain

import (
	"encoding/json"
	"time"
)

// AllocationRequest is the DTO for an incoming allocation call. It is never
// persisted verbatim; only its derived hash and fields are.
type AllocationRequest struct {
	RequesterID string            `json:"requester_id"`
	ResourceID  string            `json:"resource_id"`
	RequestID   string            `json:"request_id,omitempty"`
	Payload     map[string]any    `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Partition   string            `json:"partition,omitempty"`
}

// AllocationStatus is the outcome class of an allocation attempt.
type AllocationStatus string

const (
	StatusOK              AllocationStatus = "OK"
	StatusAlreadyAssigned AllocationStatus = "ALREADY_ASSIGNED"
	StatusPolicyReject    AllocationStatus = "POLICY_REJECT"
	StatusDryRun          AllocationStatus = "DRY_RUN"
)

// AllocationRecord is the immutable persisted allocation. At most one record
// exists per (requester, partition); the unique constraint in Postgres is the
// source of truth for that, not application-level checks.
type AllocationRecord struct {
	ID             int64     `json:"id"`
	Partition      string    `json:"partition"`
	AllocationCode string    `json:"allocation_code"`
	RequesterID    string    `json:"requester_id"`
	ResourceID     string    `json:"resource_id"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// AllocationResult is the canonical response structure for an Allocate call.
type AllocationResult struct {
	Status         AllocationStatus `json:"status"`
	AllocationID   int64            `json:"allocation_id,omitempty"`
	AllocationCode string           `json:"allocation_code,omitempty"`
	Partition      string           `json:"partition"`
	ErrorCode      string           `json:"error_code,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	OutboxEventID  string           `json:"outbox_event_id,omitempty"`
	DryRun         bool             `json:"dry_run,omitempty"`
}

// OutboxStatus is the delivery state of an outbox message. SENT and FAILED
// are terminal.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxMessage is a durable to-be-delivered event, written in the same
// transaction as the state change it describes.
type OutboxMessage struct {
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AvailableAt   time.Time       `json:"available_at"`
	RetryCount    int             `json:"retry_count"`
	Status        OutboxStatus    `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
}

// IdempotencyRecord is the cached state of one request key in the shared
// key-value store. Once completed, a read with a matching body hash always
// returns the identical cached response.
type IdempotencyRecord struct {
	Status   string          `json:"status"`
	BodyHash string          `json:"body_hash"`
	Response json.RawMessage `json:"response,omitempty"`
	StoredAt time.Time       `json:"stored_at"`
}

const (
	IdemPending   = "pending"
	IdemCompleted = "completed"
)
