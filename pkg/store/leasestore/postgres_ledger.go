package leasestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresLeaseStore is a durable SQL-based implementation of the Store.
type PostgresLeaseStore struct {
	db *sql.DB
}

func NewPostgresLeaseStore(db *sql.DB) *PostgresLeaseStore {
	return &PostgresLeaseStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS leases (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	task_id TEXT,
	state TEXT,
	created_at TIMESTAMP,
	updated_at TIMESTAMP,
	leased_by TEXT,
	leased_until TIMESTAMP,
	hash TEXT,
	previous_hash TEXT,
	metadata TEXT
);
`

func (l *PostgresLeaseStore) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, pgSchema)
	return err
}

func (l *PostgresLeaseStore) Create(ctx context.Context, lease Lease) error {
	// Find the tail hash to chain onto.
	var lastHash string
	err := l.db.QueryRowContext(ctx, "SELECT hash FROM leases ORDER BY created_at DESC LIMIT 1").Scan(&lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if lastHash == "" {
		lastHash = "0000000000000000000000000000000000000000000000000000000000000000" // Genesis
	}

	payload := lastHash + lease.ID + lease.TaskID + lease.CreatedAt.String()
	lease.PreviousHash = lastHash
	lease.Hash = fmt.Sprintf("%x", sha256Sum([]byte(payload)))

	query := `
		INSERT INTO leases (id, idempotency_key, task_id, state, created_at, updated_at, hash, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = l.db.ExecContext(ctx, query,
		lease.ID, lease.IdempotencyKey, lease.TaskID, lease.State, lease.CreatedAt, lease.UpdatedAt,
		lease.Hash, lease.PreviousHash,
	)
	return err
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func (l *PostgresLeaseStore) Get(ctx context.Context, id string) (Lease, error) {
	query := `SELECT id, idempotency_key, task_id, state, created_at, updated_at, hash, previous_hash, metadata FROM leases WHERE id = $1`
	row := l.db.QueryRowContext(ctx, query, id)

	var lease Lease
	var hash, prevHash, metadata sql.NullString

	err := row.Scan(&lease.ID, &lease.IdempotencyKey, &lease.TaskID, &lease.State, &lease.CreatedAt, &lease.UpdatedAt, &hash, &prevHash, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, err
	}
	lease.Hash = hash.String
	lease.PreviousHash = prevHash.String

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &lease.Metadata); err != nil {
			return Lease{}, fmt.Errorf("corrupt metadata: %w", err)
		}
	}
	return lease, nil
}

func (l *PostgresLeaseStore) AcquireLease(ctx context.Context, id, workerID string, duration time.Duration) (Lease, error) {
	now := time.Now()
	leasedUntil := now.Add(duration)

	query := `
		UPDATE leases
		SET leased_by = $1, leased_until = $2, updated_at = $3
		WHERE id = $4 AND (leased_until < $3 OR leased_by = $1 OR leased_until IS NULL)
	`
	res, err := l.db.ExecContext(ctx, query, workerID, leasedUntil, now, id)
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

	return l.Get(ctx, id)
}

// AcquireNextPending fetches and leases the next available PENDING task.
// It uses SKIP LOCKED so concurrent workers race for the queue head without
// blocking each other.
func (l *PostgresLeaseStore) AcquireNextPending(ctx context.Context, workerID string, duration time.Duration) (Lease, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, err
	}
	defer func() { _ = tx.Rollback() }() // Safe to call even if committed (no-op)

	querySelect := `
		SELECT id
		FROM leases
		WHERE state = 'PENDING'
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	var id string
	if err := tx.QueryRowContext(ctx, querySelect).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, errors.New("no pending leases")
		}
		return Lease{}, err
	}

	now := time.Now()
	leasedUntil := now.Add(duration)
	queryUpdate := `
		UPDATE leases
		SET leased_by = $1, leased_until = $2, updated_at = $3
		WHERE id = $4
	`
	if _, err := tx.ExecContext(ctx, queryUpdate, workerID, leasedUntil, now, id); err != nil {
		return Lease{}, err
	}

	if err := tx.Commit(); err != nil {
		return Lease{}, err
	}

	return l.Get(ctx, id)
}

func (l *PostgresLeaseStore) UpdateState(ctx context.Context, id string, newState State, details map[string]any) error {
	var metaJSON []byte
	if details != nil {
		var err error
		metaJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `UPDATE leases SET state = $1, updated_at = $2, metadata = $3 WHERE id = $4`
	_, err := l.db.ExecContext(ctx, query, newState, time.Now(), string(metaJSON), id)
	return err
}

func (l *PostgresLeaseStore) ListPending(ctx context.Context) ([]Lease, error) {
	query := `SELECT id, idempotency_key, task_id, state, created_at, updated_at, hash, previous_hash, metadata FROM leases WHERE state = 'PENDING'`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Lease, 0)
	for rows.Next() {
		var lease Lease
		var hash, prevHash, metadata sql.NullString
		if err := rows.Scan(&lease.ID, &lease.IdempotencyKey, &lease.TaskID, &lease.State, &lease.CreatedAt, &lease.UpdatedAt, &hash, &prevHash, &metadata); err != nil {
			return nil, err
		}
		lease.Hash = hash.String
		lease.PreviousHash = prevHash.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &lease.Metadata)
		}
		result = append(result, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (l *PostgresLeaseStore) ListAll(ctx context.Context) ([]Lease, error) {
	query := `SELECT id, idempotency_key, task_id, state, created_at, updated_at, hash, previous_hash, metadata FROM leases`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Lease, 0)
	for rows.Next() {
		var lease Lease
		var hash, prevHash, metadata sql.NullString
		if err := rows.Scan(&lease.ID, &lease.IdempotencyKey, &lease.TaskID, &lease.State, &lease.CreatedAt, &lease.UpdatedAt, &hash, &prevHash, &metadata); err != nil {
			return nil, err
		}
		lease.Hash = hash.String
		lease.PreviousHash = prevHash.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &lease.Metadata)
		}
		result = append(result, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
