// Package budget enforces spending ceilings on bounty classes and risk
// budgets on payer accounts. Checks fail closed: a storage error, or a
// payer account with no risk budget, denies the spend rather than risking
// an overrun. A bounty-class scope with no configured limits is checked
// against the storage's default limits.
package budget

import (
	"context"
	"time"
)

// Cost is one prospective spend in mesh credits.
type Cost struct {
	Amount int64  // credits
	Reason string // task or thread the spend belongs to
}

// Budget tracks a scope's rolling usage against its ceilings. A scope is
// usually a bounty class ("compute", "research"), occasionally a single
// payer account.
type Budget struct {
	Scope        string    `json:"scope"`
	DailyLimit   int64     `json:"daily_limit"`
	MonthlyLimit int64     `json:"monthly_limit"`
	DailyUsed    int64     `json:"daily_used"`
	MonthlyUsed  int64     `json:"monthly_used"`
	LastUpdated  time.Time `json:"last_updated"`
}

// DailyRemaining reports credits left today, floored at zero.
func (b *Budget) DailyRemaining() int64 {
	if remaining := b.DailyLimit - b.DailyUsed; remaining > 0 {
		return remaining
	}
	return 0
}

// MonthlyRemaining reports credits left this month, floored at zero.
func (b *Budget) MonthlyRemaining() int64 {
	if remaining := b.MonthlyLimit - b.MonthlyUsed; remaining > 0 {
		return remaining
	}
	return 0
}

// Decision is the outcome of one budget check.
type Decision struct {
	Allowed   bool                `json:"allowed"`
	Reason    string              `json:"reason"`
	Remaining *Budget             `json:"remaining,omitempty"`
	Receipt   *EnforcementReceipt `json:"receipt,omitempty"`
}

// EnforcementReceipt is the auditable record of a budget decision.
type EnforcementReceipt struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Action    string    `json:"action"` // "allowed" or "denied"
	Cost      int64     `json:"cost"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer gates spends against per-scope ceilings.
type Enforcer interface {
	// Check reserves cost against the scope's budget, failing closed.
	Check(ctx context.Context, scope string, cost Cost) (*Decision, error)

	// GetBudget reads the scope's current budget state.
	GetBudget(ctx context.Context, scope string) (*Budget, error)

	// SetLimits configures the scope's daily and monthly ceilings.
	SetLimits(ctx context.Context, scope string, daily, monthly int64) error

	// RecordSpend reports the realized spend once the operation lands.
	RecordSpend(ctx context.Context, scope string, cost Cost) error
}
