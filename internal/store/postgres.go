package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/allocops/internal/domain"
)

var queryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "alloc_store_query_duration_seconds",
	Help:    "Latency of relational store round-trips",
	Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
}, []string{"query"})

type Store struct {
	Pool *pgxpool.Pool
}

func New(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

const allocationColumns = "id, partition_code, allocation_code, requester_id, resource_id, status, idempotency_key, created_at"

func scanAllocation(row pgx.Row) (*domain.AllocationRecord, error) {
	var rec domain.AllocationRecord
	err := row.Scan(&rec.ID, &rec.Partition, &rec.AllocationCode, &rec.RequesterID,
		&rec.ResourceID, &rec.Status, &rec.IdempotencyKey, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetAllocation retrieves a single allocation by ID.
func (s *Store) GetAllocation(ctx context.Context, id int64) (*domain.AllocationRecord, error) {
	defer observe("get_allocation")()
	return scanAllocation(s.Pool.QueryRow(ctx,
		"SELECT "+allocationColumns+" FROM allocations WHERE id = $1", id))
}

// GetAllocationByCode retrieves an allocation by its human-readable code.
func (s *Store) GetAllocationByCode(ctx context.Context, code string) (*domain.AllocationRecord, error) {
	defer observe("get_allocation_by_code")()
	return scanAllocation(s.Pool.QueryRow(ctx,
		"SELECT "+allocationColumns+" FROM allocations WHERE allocation_code = $1", code))
}

// GetAllocationFor retrieves the allocation for a requester in a partition.
func (s *Store) GetAllocationFor(ctx context.Context, requesterID, partition string) (*domain.AllocationRecord, error) {
	defer observe("get_allocation_for")()
	return scanAllocation(s.Pool.QueryRow(ctx,
		"SELECT "+allocationColumns+" FROM allocations WHERE requester_id = $1 AND partition_code = $2",
		requesterID, partition))
}

func observe(query string) func() {
	start := time.Now()
	return func() {
		queryLatency.WithLabelValues(query).Observe(time.Since(start).Seconds())
	}
}
