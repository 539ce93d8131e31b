package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage persists budget rows in a bounty_budgets table.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Get(ctx context.Context, scope string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT scope, daily_limit, monthly_limit, daily_used, monthly_used, last_updated
		 FROM bounty_budgets WHERE scope = $1`,
		scope)

	var b Budget
	err := row.Scan(&b.Scope, &b.DailyLimit, &b.MonthlyLimit, &b.DailyUsed, &b.MonthlyUsed, &b.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown scope is not an error; the enforcer initializes it.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: read %q: %w", scope, err)
	}
	return &b, nil
}

func (s *PostgresStorage) Set(ctx context.Context, b *Budget) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bounty_budgets (scope, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope) DO UPDATE SET
			daily_used = EXCLUDED.daily_used,
			monthly_used = EXCLUDED.monthly_used,
			last_updated = EXCLUDED.last_updated`,
		b.Scope, b.DailyLimit, b.MonthlyLimit, b.DailyUsed, b.MonthlyUsed, b.LastUpdated)
	if err != nil {
		return fmt.Errorf("budget: persist %q: %w", b.Scope, err)
	}
	return nil
}

func (s *PostgresStorage) Limits(ctx context.Context, scope string) (int64, int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT daily_limit, monthly_limit FROM bounty_budgets WHERE scope = $1`, scope)
	var daily, monthly int64
	err := row.Scan(&daily, &monthly)
	if errors.Is(err, sql.ErrNoRows) {
		// Same defaults MemoryStorage hands out for unconfigured scopes.
		return 1000, 50000, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("budget: read limits %q: %w", scope, err)
	}
	return daily, monthly, nil
}

func (s *PostgresStorage) SetLimits(ctx context.Context, scope string, daily, monthly int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bounty_budgets (scope, daily_limit, monthly_limit, daily_used, monthly_used, last_updated)
		VALUES ($1, $2, $3, 0, 0, NOW())
		ON CONFLICT (scope) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit`,
		scope, daily, monthly)
	if err != nil {
		return fmt.Errorf("budget: set limits %q: %w", scope, err)
	}
	return nil
}
