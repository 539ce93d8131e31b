package leasestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLLeaseStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLeaseStore struct {
	db *sql.DB
}

func NewSQLLeaseStore(db *sql.DB) *SQLLeaseStore {
	return &SQLLeaseStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	task_id TEXT,
	state TEXT,
	created_at TIMESTAMP,
	updated_at TIMESTAMP,
	leased_by TEXT,
	leased_until TIMESTAMP,
	plan_attempt_id TEXT
);
`

func (s *SQLLeaseStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLeaseStore) Create(ctx context.Context, lease Lease) error {
	query := `
		INSERT INTO leases (id, idempotency_key, task_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	// Handle idempotent check via unique constraint
	_, err := s.db.ExecContext(ctx, query,
		lease.ID, lease.IdempotencyKey, lease.TaskID, lease.State, lease.CreatedAt, lease.UpdatedAt,
	)
	return err
}

func (s *SQLLeaseStore) Get(ctx context.Context, id string) (Lease, error) {
	query := `SELECT id, idempotency_key, task_id, state, created_at, updated_at FROM leases WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)

	var lease Lease
	err := row.Scan(&lease.ID, &lease.IdempotencyKey, &lease.TaskID, &lease.State, &lease.CreatedAt, &lease.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, err
	}
	return lease, nil
}

func (s *SQLLeaseStore) AcquireLease(ctx context.Context, id, workerID string, duration time.Duration) (Lease, error) {
	// Optimistic locking logic
	// In Postgres: UPDATE ... RETURNING ... WHERE leased_until < NOW() OR leased_by = workerID

	now := time.Now()
	leasedUntil := now.Add(duration)

	query := `
		UPDATE leases 
		SET leased_by = $1, leased_until = $2, updated_at = $3
		WHERE id = $4 AND (leased_until < $5 OR leased_by = $1 OR leased_until IS NULL)
	`
	res, err := s.db.ExecContext(ctx, query, workerID, leasedUntil, now, id, now)
	if err != nil {
		return Lease{}, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return Lease{}, errors.New("locked by another worker")
	}

	return s.Get(ctx, id)
}

func (s *SQLLeaseStore) UpdateState(ctx context.Context, id string, newState State, details map[string]any) error {
	query := `UPDATE leases SET state = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, newState, time.Now(), id)
	return err
}

func (s *SQLLeaseStore) ListPending(ctx context.Context) ([]Lease, error) {
	query := `SELECT id, idempotency_key, task_id, state, created_at, updated_at FROM leases WHERE state = 'PENDING'`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Lease, 0)
	for rows.Next() {
		var lease Lease
		if err := rows.Scan(&lease.ID, &lease.IdempotencyKey, &lease.TaskID, &lease.State, &lease.CreatedAt, &lease.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLLeaseStore) ListAll(ctx context.Context) ([]Lease, error) {
	query := `SELECT id, idempotency_key, task_id, state, created_at, updated_at FROM leases`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Lease, 0)
	for rows.Next() {
		var lease Lease
		if err := rows.Scan(&lease.ID, &lease.IdempotencyKey, &lease.TaskID, &lease.State, &lease.CreatedAt, &lease.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
