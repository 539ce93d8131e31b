package budget

import (
	"fmt"
	"sync"
	"time"
)

// RiskLevel weights a bounty class by how much damage a bad result in it
// can do. Operators map their bounty_caps_by_class keys onto these tiers.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (l RiskLevel) weight() float64 {
	switch l {
	case RiskLow:
		return 1
	case RiskHigh:
		return 5
	case RiskCritical:
		return 10
	default:
		return 2
	}
}

// RiskBudget caps what one payer account may put at stake: aggregate
// risk-weighted bounty spend, how many tasks it may affect at once, and
// total leased compute. AutonomyLevel gates which risk tiers the account
// may commit without extra verifier oversight; ShrinkAutonomy raises
// UncertaintyScore, which pulls autonomy down.
type RiskBudget struct {
	AccountID         string  `json:"account_id"`
	ComputeCapMillis  int64   `json:"compute_cap_millis"`
	ComputeUsedMillis int64   `json:"compute_used_millis"`
	BlastRadiusCap    int     `json:"blast_radius_cap"`
	BlastRadiusUsed   int     `json:"blast_radius_used"`
	RiskScoreCap      float64 `json:"risk_score_cap"`
	RiskScoreUsed     float64 `json:"risk_score_used"`
	AutonomyLevel     int     `json:"autonomy_level"`    // 0-100
	UncertaintyScore  float64 `json:"uncertainty_score"` // 0-1
}

// RiskDecision reports one check's outcome. Denials name the cap that
// would have been breached.
type RiskDecision struct {
	Allowed          bool    `json:"allowed"`
	Reason           string  `json:"reason"`
	RiskCost         float64 `json:"risk_cost"`
	AutonomyShrunk   bool    `json:"autonomy_shrunk"`
	NewAutonomyLevel int     `json:"new_autonomy_level,omitempty"`
}

func denied(reason string) *RiskDecision {
	return &RiskDecision{Allowed: false, Reason: reason}
}

// RiskEnforcer tracks risk budgets per payer account. All checks fail
// closed: an account with no configured budget cannot spend.
type RiskEnforcer struct {
	mu      sync.Mutex
	budgets map[string]*RiskBudget
	clock   func() time.Time
}

func NewRiskEnforcer() *RiskEnforcer {
	return &RiskEnforcer{
		budgets: make(map[string]*RiskBudget),
		clock:   time.Now,
	}
}

// WithClock substitutes the time source for tests.
func (e *RiskEnforcer) WithClock(clock func() time.Time) *RiskEnforcer {
	e.clock = clock
	return e
}

// SetBudget installs or replaces an account's budget.
func (e *RiskEnforcer) SetBudget(budget *RiskBudget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budgets[budget.AccountID] = budget
}

// GetBudget returns an account's budget or an error if none is set.
func (e *RiskEnforcer) GetBudget(accountID string) (*RiskBudget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.budgets[accountID]
	if !ok {
		return nil, fmt.Errorf("budget: no risk budget for account %q", accountID)
	}
	return b, nil
}

// CheckRisk reserves risk capacity for a bounty: the bounty amount scaled
// by the class's risk weight counts against the account's aggregate score,
// and blastRadius counts against its concurrency cap. Approval mutates the
// budget; a deny reserves nothing.
func (e *RiskEnforcer) CheckRisk(accountID string, riskLevel RiskLevel, bounty float64, blastRadius int) *RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.budgets[accountID]
	if !ok {
		return denied("no risk budget configured")
	}

	riskCost := bounty * riskLevel.weight()
	if b.RiskScoreUsed+riskCost > b.RiskScoreCap {
		d := denied(fmt.Sprintf("risk score %.1f would exceed cap %.1f", b.RiskScoreUsed+riskCost, b.RiskScoreCap))
		d.RiskCost = riskCost
		return d
	}
	if b.BlastRadiusUsed+blastRadius > b.BlastRadiusCap {
		d := denied(fmt.Sprintf("blast radius %d would exceed cap %d", b.BlastRadiusUsed+blastRadius, b.BlastRadiusCap))
		d.RiskCost = riskCost
		return d
	}

	b.RiskScoreUsed += riskCost
	b.BlastRadiusUsed += blastRadius
	return &RiskDecision{Allowed: true, Reason: "within risk budget", RiskCost: riskCost}
}

// CheckCompute reserves leased execution time against the account's
// compute cap.
func (e *RiskEnforcer) CheckCompute(accountID string, durationMillis int64) *RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.budgets[accountID]
	if !ok {
		return denied("no risk budget configured")
	}
	if b.ComputeUsedMillis+durationMillis > b.ComputeCapMillis {
		return denied(fmt.Sprintf("compute %dms would exceed cap %dms", b.ComputeUsedMillis+durationMillis, b.ComputeCapMillis))
	}
	b.ComputeUsedMillis += durationMillis
	return &RiskDecision{Allowed: true, Reason: "within compute budget"}
}

// ShrinkAutonomy raises the account's uncertainty (e.g. after an upheld
// challenge against work it paid for) and recomputes autonomy: zero
// uncertainty keeps level 100, full uncertainty drops it to 0.
func (e *RiskEnforcer) ShrinkAutonomy(accountID string, uncertaintyDelta float64) *RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.budgets[accountID]
	if !ok {
		return denied("no risk budget configured")
	}

	b.UncertaintyScore += uncertaintyDelta
	if b.UncertaintyScore > 1 {
		b.UncertaintyScore = 1
	}
	if b.UncertaintyScore < 0 {
		b.UncertaintyScore = 0
	}

	before := b.AutonomyLevel
	b.AutonomyLevel = int(100 * (1 - b.UncertaintyScore))
	return &RiskDecision{
		Allowed:          true,
		Reason:           fmt.Sprintf("autonomy adjusted %d to %d at uncertainty %.2f", before, b.AutonomyLevel, b.UncertaintyScore),
		AutonomyShrunk:   b.AutonomyLevel < before,
		NewAutonomyLevel: b.AutonomyLevel,
	}
}

// IsAutonomousAllowed reports whether the account's current autonomy
// clears the bar for committing work at riskLevel without additional
// oversight. Critical work never runs autonomously.
func (e *RiskEnforcer) IsAutonomousAllowed(accountID string, riskLevel RiskLevel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.budgets[accountID]
	if !ok {
		return false
	}

	var threshold int
	switch riskLevel {
	case RiskLow:
		threshold = 10
	case RiskMedium:
		threshold = 40
	case RiskHigh:
		threshold = 70
	default:
		threshold = 101
	}
	return b.AutonomyLevel >= threshold
}
