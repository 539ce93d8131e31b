package budget_test

import (
	"context"
	"testing"

	"github.com/concordmesh/kernel/pkg/budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnforcer() *budget.SimpleEnforcer {
	return budget.NewSimpleEnforcer(budget.NewMemoryStorage())
}

func TestCheckWithinLimits(t *testing.T) {
	enforcer := newEnforcer()
	ctx := context.Background()

	require.NoError(t, enforcer.SetLimits(ctx, "compute", 100, 1000))

	decision, err := enforcer.Check(ctx, "compute", budget.Cost{Amount: 20, Reason: "task-1"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.NotNil(t, decision.Receipt)
	assert.Equal(t, "allowed", decision.Receipt.Action)
}

func TestCheckReservesSpend(t *testing.T) {
	enforcer := newEnforcer()
	ctx := context.Background()

	require.NoError(t, enforcer.SetLimits(ctx, "compute", 100, 1000))

	// Five allowed 20-credit commits exhaust the daily ceiling.
	for i := 0; i < 5; i++ {
		decision, err := enforcer.Check(ctx, "compute", budget.Cost{Amount: 20})
		require.NoError(t, err)
		require.True(t, decision.Allowed, "commit %d", i)
	}

	decision, err := enforcer.Check(ctx, "compute", budget.Cost{Amount: 1})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "daily")
}

func TestCheckMonthlyCeiling(t *testing.T) {
	enforcer := newEnforcer()
	ctx := context.Background()

	require.NoError(t, enforcer.SetLimits(ctx, "research", 1000, 100))

	decision, err := enforcer.Check(ctx, "research", budget.Cost{Amount: 150})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "monthly")
}

func TestUnconfiguredScopeGetsDefaults(t *testing.T) {
	enforcer := newEnforcer()
	ctx := context.Background()

	// MemoryStorage hands out defaults; the spend is admitted against them
	// rather than denied outright.
	decision, err := enforcer.Check(ctx, "never-configured", budget.Cost{Amount: 10})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	b, err := enforcer.GetBudget(ctx, "never-configured")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(10), b.DailyUsed)
}

func TestRemainingFloorsAtZero(t *testing.T) {
	b := &budget.Budget{
		DailyLimit:   100,
		MonthlyLimit: 1000,
		DailyUsed:    75,
		MonthlyUsed:  1250,
	}
	assert.Equal(t, int64(25), b.DailyRemaining())
	assert.Equal(t, int64(0), b.MonthlyRemaining())
}
