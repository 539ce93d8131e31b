package budget

import (
	"testing"
	"time"
)

func payerBudget() *RiskBudget {
	return &RiskBudget{
		AccountID:        "payer-1",
		ComputeCapMillis: 60000,
		BlastRadiusCap:   100,
		RiskScoreCap:     500,
		AutonomyLevel:    80,
		UncertaintyScore: 0.2,
	}
}

func TestCheckRiskWeightsByTier(t *testing.T) {
	e := NewRiskEnforcer()
	e.SetBudget(payerBudget())

	cases := []struct {
		level    RiskLevel
		bounty   float64
		wantCost float64
	}{
		{RiskLow, 10, 10},
		{RiskMedium, 10, 20},
		{RiskHigh, 10, 50},
		{RiskCritical, 10, 100},
	}
	for _, tc := range cases {
		d := e.CheckRisk("payer-1", tc.level, tc.bounty, 1)
		if !d.Allowed {
			t.Fatalf("%s: expected allowed, got %s", tc.level, d.Reason)
		}
		if d.RiskCost != tc.wantCost {
			t.Errorf("%s: risk cost %.1f, want %.1f", tc.level, d.RiskCost, tc.wantCost)
		}
	}
}

func TestCheckRiskDeniesOverScoreCap(t *testing.T) {
	e := NewRiskEnforcer()
	b := payerBudget()
	b.RiskScoreCap = 20
	e.SetBudget(b)

	if d := e.CheckRisk("payer-1", RiskHigh, 10, 1); d.Allowed {
		t.Fatal("50 risk against a cap of 20 should deny")
	}
}

func TestCheckRiskDeniesOverBlastRadius(t *testing.T) {
	e := NewRiskEnforcer()
	b := payerBudget()
	b.BlastRadiusCap = 3
	e.SetBudget(b)

	if d := e.CheckRisk("payer-1", RiskLow, 1, 5); d.Allowed {
		t.Fatal("blast radius 5 against a cap of 3 should deny")
	}
}

func TestCheckRiskReservesOnApproval(t *testing.T) {
	e := NewRiskEnforcer()
	b := payerBudget()
	b.RiskScoreCap = 100
	e.SetBudget(b)

	// Two 40-credit LOW bounties fit; the third breaks the cap because the
	// first two were reserved.
	for i := 0; i < 2; i++ {
		if d := e.CheckRisk("payer-1", RiskLow, 40, 1); !d.Allowed {
			t.Fatalf("bounty %d should be within budget: %s", i, d.Reason)
		}
	}
	if d := e.CheckRisk("payer-1", RiskLow, 40, 1); d.Allowed {
		t.Fatal("third bounty should exceed the reserved score")
	}
}

func TestDeniedCheckReservesNothing(t *testing.T) {
	e := NewRiskEnforcer()
	b := payerBudget()
	b.RiskScoreCap = 50
	e.SetBudget(b)

	if d := e.CheckRisk("payer-1", RiskHigh, 20, 1); d.Allowed {
		t.Fatal("100 risk against cap 50 should deny")
	}
	// The denial must not have consumed capacity.
	if d := e.CheckRisk("payer-1", RiskLow, 50, 1); !d.Allowed {
		t.Fatalf("full cap should still be free: %s", d.Reason)
	}
}

func TestComputeCap(t *testing.T) {
	e := NewRiskEnforcer()
	e.SetBudget(payerBudget())

	if d := e.CheckCompute("payer-1", 50000); !d.Allowed {
		t.Fatalf("50s against a 60s cap: %s", d.Reason)
	}
	if d := e.CheckCompute("payer-1", 20000); d.Allowed {
		t.Fatal("70s total against a 60s cap should deny")
	}
}

func TestUpheldChallengeShrinksAutonomy(t *testing.T) {
	e := NewRiskEnforcer()
	e.SetBudget(payerBudget())

	d := e.ShrinkAutonomy("payer-1", 0.5)
	if !d.AutonomyShrunk {
		t.Fatal("rising uncertainty should shrink autonomy")
	}
	if d.NewAutonomyLevel >= 80 {
		t.Fatalf("autonomy should drop below 80, got %d", d.NewAutonomyLevel)
	}

	// Saturating uncertainty pins autonomy at zero.
	d = e.ShrinkAutonomy("payer-1", 5)
	if d.NewAutonomyLevel != 0 {
		t.Fatalf("full uncertainty should zero autonomy, got %d", d.NewAutonomyLevel)
	}
}

func TestAutonomyTierGates(t *testing.T) {
	e := NewRiskEnforcer()
	e.SetBudget(payerBudget()) // autonomy 80

	if !e.IsAutonomousAllowed("payer-1", RiskLow) {
		t.Fatal("LOW should clear autonomy 80")
	}
	if !e.IsAutonomousAllowed("payer-1", RiskMedium) {
		t.Fatal("MEDIUM should clear autonomy 80")
	}
	if !e.IsAutonomousAllowed("payer-1", RiskHigh) {
		t.Fatal("HIGH should clear autonomy 80")
	}
	if e.IsAutonomousAllowed("payer-1", RiskCritical) {
		t.Fatal("CRITICAL never runs autonomously")
	}
}

func TestFailClosedWithoutBudget(t *testing.T) {
	e := NewRiskEnforcer()

	if e.CheckRisk("stranger", RiskLow, 1, 1).Allowed {
		t.Fatal("unknown account must fail closed")
	}
	if e.CheckCompute("stranger", 1000).Allowed {
		t.Fatal("unknown account must fail closed")
	}
	if e.IsAutonomousAllowed("stranger", RiskLow) {
		t.Fatal("unknown account must fail closed")
	}
	if _, err := e.GetBudget("stranger"); err == nil {
		t.Fatal("expected error reading an unset budget")
	}
}

func TestGetBudgetRoundTrip(t *testing.T) {
	e := NewRiskEnforcer().WithClock(func() time.Time { return time.Unix(0, 0).UTC() })
	e.SetBudget(payerBudget())

	b, err := e.GetBudget("payer-1")
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	if b.AccountID != "payer-1" {
		t.Fatalf("unexpected account %q", b.AccountID)
	}
}
