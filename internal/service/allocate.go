package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/normalize"
	"github.com/punchamoorthee/allocops/internal/policy"
	"github.com/punchamoorthee/allocops/internal/sequence"
)

var allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "alloc_allocations_total",
	Help: "Allocation transaction outcomes",
}, []string{"status"})

// EventAllocationCreated is the outbox event type written alongside every
// new allocation.
const EventAllocationCreated = "allocation.created"

const uniqueViolation = "23505"

// CodeAllocator is the sequential code collaborator (internal/sequence in
// production, a fake in tests).
type CodeAllocator interface {
	Allocate(ctx context.Context, p sequence.Partition, requesterID string) (sequence.Assignment, error)
	Preview(ctx context.Context, p sequence.Partition) (string, error)
}

// PartitionResolver maps a normalized partition code from the request to its
// configured sequence partition. An empty code selects the default.
type PartitionResolver func(code string) (sequence.Partition, error)

// Tx is the slice of pgx.Tx the allocation transaction uses.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB begins allocation transactions and serves the race re-read.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgDB adapts a pgxpool.Pool to the DB seam.
type PgDB struct {
	Pool *pgxpool.Pool
}

func (p PgDB) Begin(ctx context.Context) (Tx, error) {
	return p.Pool.Begin(ctx)
}

func (p PgDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.Pool.QueryRow(ctx, sql, args...)
}

// AllocationService executes the atomic allocation transaction: policy
// check, code allocation, allocation row and outbox row in one commit.
type AllocationService struct {
	db        DB
	codes     CodeAllocator
	engine    policy.Engine
	partition PartitionResolver
	now       func() time.Time
}

func NewAllocationService(db DB, codes CodeAllocator, engine policy.Engine, resolver PartitionResolver) *AllocationService {
	if engine == nil {
		engine = policy.AllowAll{}
	}
	return &AllocationService{
		db:        db,
		codes:     codes,
		engine:    engine,
		partition: resolver,
		now:       time.Now,
	}
}

// DeriveIdempotencyKey computes the deterministic dedupe key for a request:
// the hash covers (requester, resource, request id) when the client supplied
// a request id, otherwise (requester, resource, canonical JSON of payload),
// so identical retries without an explicit id still collapse by payload
// equality. Inputs must already be normalized.
func DeriveIdempotencyKey(req domain.AllocationRequest) (string, error) {
	h := sha256.New()
	h.Write([]byte(req.RequesterID))
	h.Write([]byte{0})
	h.Write([]byte(req.ResourceID))
	h.Write([]byte{0})

	if req.RequestID != "" {
		h.Write([]byte(req.RequestID))
	} else {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return "", fmt.Errorf("payload marshal: %w", err)
		}
		canonical, err := jcs.Transform(raw)
		if err != nil {
			return "", fmt.Errorf("payload canonicalize: %w", err)
		}
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalizeRequest(req *domain.AllocationRequest) error {
	var err error
	if req.RequesterID, err = normalize.Required("requester_id", req.RequesterID); err != nil {
		return err
	}
	if req.ResourceID, err = normalize.Required("resource_id", req.ResourceID); err != nil {
		return err
	}
	req.RequestID = normalize.Normalize(req.RequestID)
	req.Partition = normalize.Normalize(req.Partition)
	return nil
}

// Allocate runs the allocation end to end. Concurrent identical attempts
// converge on a single row: the storage-layer unique constraint decides the
// winner and losers re-read the winner's record.
func (s *AllocationService) Allocate(ctx context.Context, req domain.AllocationRequest, dryRun bool) (*domain.AllocationResult, error) {
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}

	idemKey, err := DeriveIdempotencyKey(req)
	if err != nil {
		return nil, err
	}

	part, err := s.partition(req.Partition)
	if err != nil {
		return nil, err
	}

	res, err := s.allocate(ctx, req, part, idemKey, dryRun)
	if err != nil {
		return nil, err
	}
	allocationsTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (s *AllocationService) allocate(ctx context.Context, req domain.AllocationRequest, part sequence.Partition, idemKey string, dryRun bool) (*domain.AllocationResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, &domain.InfraError{Op: "tx begin", Err: err}
	}
	defer tx.Rollback(ctx)

	// Idempotent short-circuit: a prior allocation for this requester in
	// this partition is returned as-is, with no further side effects.
	var existing domain.AllocationRecord
	err = tx.QueryRow(ctx, `
		SELECT id, allocation_code, idempotency_key
		FROM allocations
		WHERE requester_id = $1 AND partition_code = $2`,
		req.RequesterID, part.Code,
	).Scan(&existing.ID, &existing.AllocationCode, &existing.IdempotencyKey)
	if err == nil {
		return &domain.AllocationResult{
			Status:         domain.StatusAlreadyAssigned,
			AllocationID:   existing.ID,
			AllocationCode: existing.AllocationCode,
			Partition:      part.Code,
			IdempotencyKey: existing.IdempotencyKey,
		}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.InfraError{Op: "allocation lookup", Err: err}
	}

	verdict, err := s.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, &domain.InfraError{Op: "policy evaluate", Err: err}
	}
	if !verdict.Approved {
		return &domain.AllocationResult{
			Status:         domain.StatusPolicyReject,
			Partition:      part.Code,
			ErrorCode:      verdict.Code,
			IdempotencyKey: idemKey,
		}, nil
	}

	if dryRun {
		code, err := s.codes.Preview(ctx, part)
		if err != nil {
			return nil, err
		}
		return &domain.AllocationResult{
			Status:         domain.StatusDryRun,
			AllocationCode: code,
			Partition:      part.Code,
			IdempotencyKey: idemKey,
			DryRun:         true,
		}, nil
	}

	assignment, err := s.codes.Allocate(ctx, part, req.RequesterID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var allocationID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO allocations (partition_code, allocation_code, requester_id, resource_id, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $6)
		RETURNING id`,
		part.Code, assignment.Code, req.RequesterID, req.ResourceID, idemKey, now,
	).Scan(&allocationID)
	if err != nil {
		if isUniqueViolation(err) {
			return s.readWinner(ctx, req.RequesterID, part.Code)
		}
		return nil, &domain.InfraError{Op: "allocation insert", Err: err}
	}

	eventID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"event":           EventAllocationCreated,
		"allocation_id":   allocationID,
		"allocation_code": assignment.Code,
		"partition":       part.Code,
		"requester_id":    req.RequesterID,
		"resource_id":     req.ResourceID,
		"idempotency_key": idemKey,
		"occurred_at":     now,
	})
	if err != nil {
		return nil, err
	}

	// Same transaction as the allocation row: there is no dual-write gap
	// between state and notification.
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_messages (event_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, available_at)
		VALUES ($1, 'allocation', $2, $3, $4, $5, $5)`,
		eventID, fmt.Sprintf("%d", allocationID), EventAllocationCreated, payload, now)
	if err != nil {
		return nil, &domain.InfraError{Op: "outbox insert", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.readWinner(ctx, req.RequesterID, part.Code)
		}
		return nil, &domain.InfraError{Op: "tx commit", Err: err}
	}

	return &domain.AllocationResult{
		Status:         domain.StatusOK,
		AllocationID:   allocationID,
		AllocationCode: assignment.Code,
		Partition:      part.Code,
		IdempotencyKey: idemKey,
		OutboxEventID:  eventID,
	}, nil
}

// readWinner resolves a lost insert race by returning the concurrent
// winner's record as ALREADY_ASSIGNED instead of raising.
func (s *AllocationService) readWinner(ctx context.Context, requesterID, partitionCode string) (*domain.AllocationResult, error) {
	var rec domain.AllocationRecord
	err := s.db.QueryRow(ctx, `
		SELECT id, allocation_code, idempotency_key
		FROM allocations
		WHERE requester_id = $1 AND partition_code = $2`,
		requesterID, partitionCode,
	).Scan(&rec.ID, &rec.AllocationCode, &rec.IdempotencyKey)
	if err != nil {
		return nil, &domain.InfraError{Op: "winner re-read", Err: err}
	}
	return &domain.AllocationResult{
		Status:         domain.StatusAlreadyAssigned,
		AllocationID:   rec.ID,
		AllocationCode: rec.AllocationCode,
		Partition:      partitionCode,
		IdempotencyKey: rec.IdempotencyKey,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
