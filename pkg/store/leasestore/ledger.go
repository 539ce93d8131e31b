package leasestore

import (
	"context"
	"time"
)

// Store is the durable interface for Lease management.
type Store interface {
	// Create persists a new lease under its caller-supplied ID.
	Create(ctx context.Context, lease Lease) error

	// Get retrieves a lease by ID.
	Get(ctx context.Context, id string) (Lease, error)

	// AcquireLease attempts to lock a task for work.
	AcquireLease(ctx context.Context, id, workerID string, duration time.Duration) (Lease, error)

	// UpdateState transitions the lease to a new state; no version or lease-holder check is made.
	UpdateState(ctx context.Context, id string, newState State, details map[string]any) error

	// ListPending retrieves leases in state PENDING.
	ListPending(ctx context.Context) ([]Lease, error)

	// ListAll retrieves all leases (for observability).
	ListAll(ctx context.Context) ([]Lease, error)
}
