package finance

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Resource names the budget axis a meter is denominated in.
type Resource string

const (
	ResourceTokens  Resource = "TOKENS"
	ResourceCredits Resource = "CREDITS"
	ResourceMsgs    Resource = "MSGS"
)

// WindowType bounds the accounting period of a budget.
type WindowType string

const (
	WindowDaily   WindowType = "DAILY"
	WindowWeekly  WindowType = "WEEKLY"
	WindowMonthly WindowType = "MONTHLY"
	WindowTotal   WindowType = "TOTAL"
)

// ErrBudgetNotFound is returned when no meter exists for the requested ID.
var ErrBudgetNotFound = errors.New("finance: budget not found")

// ErrBudgetExceeded is returned by Consume when the spend would pass the
// limit. The meter is left untouched.
var ErrBudgetExceeded = errors.New("finance: budget exceeded")

// Budget is one metered ceiling: a capsule's token envelope, a bounty
// class's credit cap, or a per-agent message allowance.
type Budget struct {
	ID       string     `json:"id"`
	Resource Resource   `json:"resource"`
	Limit    int64      `json:"limit"`
	Window   WindowType `json:"window"`
	Consumed int64      `json:"consumed"`
	ResetAt  time.Time  `json:"reset_at"`
}

// amountFor projects a Cost onto this budget's axis.
func (b *Budget) amountFor(cost Cost) (int64, error) {
	switch b.Resource {
	case ResourceTokens:
		return cost.Tokens, nil
	case ResourceCredits:
		return int64(cost.Credits), nil
	case ResourceMsgs:
		return cost.Msgs, nil
	default:
		return 0, fmt.Errorf("finance: unknown resource %q", b.Resource)
	}
}

// Tracker meters spend against budgets. Check is advisory; Consume is the
// authoritative, atomic deduction.
type Tracker interface {
	Check(budgetID string, cost Cost) (bool, error)
	Consume(budgetID string, cost Cost) error
}

// InMemoryTracker meters budgets in process memory. Suitable for nodes
// whose capsule budgets reset with the process; nodes that must survive
// restarts use PostgresTracker.
type InMemoryTracker struct {
	mu      sync.Mutex
	budgets map[string]*Budget
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{budgets: make(map[string]*Budget)}
}

// SetBudget installs or replaces a meter.
func (t *InMemoryTracker) SetBudget(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[b.ID] = &b
}

func (t *InMemoryTracker) Check(budgetID string, cost Cost) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[budgetID]
	if !ok {
		return false, ErrBudgetNotFound
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

func (t *InMemoryTracker) Consume(budgetID string, cost Cost) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[budgetID]
	if !ok {
		return ErrBudgetNotFound
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
	b.Consumed = next
	return nil
}
