package leasestore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLLedger_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	ledger := NewSQLLeaseStore(db)
	ctx := context.Background()
	now := time.Now()

	lease := Lease{
		ID:        "lease-1",
		TaskID:    "Test",
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO leases").
		WithArgs(lease.ID, lease.IdempotencyKey, lease.TaskID, lease.State, lease.CreatedAt, lease.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := ledger.Create(ctx, lease); err != nil {
		t.Errorf("error was not expected while creating stats: %s", err)
	}
}
