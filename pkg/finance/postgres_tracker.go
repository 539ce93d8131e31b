package finance

import (
	"database/sql"
	"errors"
	"fmt"
)

// PostgresTracker meters budgets in a capsule_budgets table so gas and
// credit consumption survive node restarts. Consume locks the meter row
// for the duration of the transaction; two concurrent spends serialize and
// the second sees the first's deduction.
type PostgresTracker struct {
	db *sql.DB
}

func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

func (t *PostgresTracker) Check(budgetID string, cost Cost) (bool, error) {
	var b Budget
	err := t.db.QueryRow(
		`SELECT resource, budget_limit, consumed FROM capsule_budgets WHERE id = $1`,
		budgetID,
	).Scan(&b.Resource, &b.Limit, &b.Consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrBudgetNotFound
		}
		return false, fmt.Errorf("finance: budget read: %w", err)
	}
	amount, err := b.amountFor(cost)
	if err != nil {
		return false, err
	}
	next, err := checkedAdd(b.Consumed, amount)
	if err != nil {
		return false, err
	}
	return next <= b.Limit, nil
}

func (t *PostgresTracker) Consume(budgetID string, cost Cost) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("finance: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var b Budget
	err = tx.QueryRow(
		`SELECT resource, budget_limit, consumed FROM capsule_budgets WHERE id = $1 FOR UPDATE`,
		budgetID,
	).Scan(&b.Resource, &b.Limit, &b.Consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBudgetNotFound
		}
		return fmt.Errorf("finance: budget lock: %w", err)
	}

	amount, err := b.amountFor(cost)
	if err != nil {
		return err
	}
	next, err := checkedAdd(b.Consumed, amount)
	if err != nil {
		return err
	}
	if next > b.Limit {
		return ErrBudgetExceeded
	}

	if _, err := tx.Exec(
		`UPDATE capsule_budgets SET consumed = $1 WHERE id = $2`,
		next, budgetID,
	); err != nil {
		return fmt.Errorf("finance: budget update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finance: commit: %w", err)
	}
	return nil
}
