package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Storage persists budget rows.
type Storage interface {
	Get(ctx context.Context, scope string) (*Budget, error)
	Set(ctx context.Context, budget *Budget) error
	Limits(ctx context.Context, scope string) (daily, monthly int64, err error)
	SetLimits(ctx context.Context, scope string, daily, monthly int64) error
}

// SimpleEnforcer reserves spend at Check time: an allowed Check already
// counts against the window, so a crash between Check and the operation
// over-counts rather than under-counts.
type SimpleEnforcer struct {
	storage Storage
	log     *slog.Logger
}

func NewSimpleEnforcer(s Storage) *SimpleEnforcer {
	return &SimpleEnforcer{storage: s, log: slog.Default().With("component", "budget")}
}

func (e *SimpleEnforcer) GetBudget(ctx context.Context, scope string) (*Budget, error) {
	return e.storage.Get(ctx, scope)
}

func (e *SimpleEnforcer) SetLimits(ctx context.Context, scope string, daily, monthly int64) error {
	return e.storage.SetLimits(ctx, scope, daily, monthly)
}

// RecordSpend is a no-op here: Check already reserved the credits.
func (e *SimpleEnforcer) RecordSpend(ctx context.Context, scope string, cost Cost) error {
	return nil
}

// Check loads (or initializes) the scope's budget, rolls its windows, and
// reserves cost if both ceilings hold.
func (e *SimpleEnforcer) Check(ctx context.Context, scope string, cost Cost) (*Decision, error) {
	b, err := e.storage.Get(ctx, scope)
	if err != nil {
		e.log.Error("budget read failed", "scope", scope, "error", err.Error())
		return &Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("check failed: %v", err),
			Receipt: e.receipt(scope, "denied", cost.Amount, "internal_error"),
		}, err
	}

	if b == nil {
		daily, monthly, err := e.storage.Limits(ctx, scope)
		if err != nil {
			e.log.Error("limit read failed", "scope", scope, "error", err.Error())
			return &Decision{
				Allowed: false,
				Reason:  "failed to fetch limits",
				Receipt: e.receipt(scope, "denied", cost.Amount, "limit_fetch_error"),
			}, err
		}
		b = &Budget{
			Scope:        scope,
			DailyLimit:   daily,
			MonthlyLimit: monthly,
			LastUpdated:  time.Now(),
		}
	}

	// Windows roll on UTC boundaries.
	now := time.Now().UTC()
	if now.Day() != b.LastUpdated.Day() {
		b.DailyUsed = 0
	}
	if now.Month() != b.LastUpdated.Month() {
		b.MonthlyUsed = 0
	}

	newDaily := b.DailyUsed + cost.Amount
	newMonthly := b.MonthlyUsed + cost.Amount
	if newDaily > b.DailyLimit {
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("daily limit exceeded: %d > %d", newDaily, b.DailyLimit),
			Remaining: b,
			Receipt:   e.receipt(scope, "denied", cost.Amount, "daily_limit_exceeded"),
		}, nil
	}
	if newMonthly > b.MonthlyLimit {
		return &Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("monthly limit exceeded: %d > %d", newMonthly, b.MonthlyLimit),
			Remaining: b,
			Receipt:   e.receipt(scope, "denied", cost.Amount, "monthly_limit_exceeded"),
		}, nil
	}

	b.DailyUsed = newDaily
	b.MonthlyUsed = newMonthly
	b.LastUpdated = now
	if err := e.storage.Set(ctx, b); err != nil {
		e.log.Error("budget write failed", "scope", scope, "error", err.Error())
		return &Decision{
			Allowed: false,
			Reason:  "failed to persist usage",
			Receipt: e.receipt(scope, "denied", cost.Amount, "persistence_error"),
		}, err
	}

	return &Decision{
		Allowed:   true,
		Reason:    "within limits",
		Remaining: b,
		Receipt:   e.receipt(scope, "allowed", cost.Amount, "ok"),
	}, nil
}

func (e *SimpleEnforcer) receipt(scope, action string, cost int64, reason string) *EnforcementReceipt {
	return &EnforcementReceipt{
		ID:        uuid.New().String(),
		Scope:     scope,
		Action:    action,
		Cost:      cost,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}
