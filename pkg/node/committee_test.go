package node

import (
	"context"
	"testing"
	"time"

	"github.com/concordmesh/kernel/pkg/committee"
	"github.com/concordmesh/kernel/pkg/registry"
)

func registerTestCapability(t *testing.T, n *Node, agentID, domain string) {
	t.Helper()
	entry := &registry.CapabilityEntry{
		AgentID:     agentID,
		Name:        agentID,
		Version:     "1.0.0",
		ContentHash: "sha256:" + agentID,
		Domains:     []string{domain},
		Signatures:  []registry.CapabilitySignature{{SignerID: agentID, Signature: "sig"}},
	}
	if err := n.RegisterCapability(entry); err != nil {
		t.Fatalf("register capability for %s: %v", agentID, err)
	}
}

func TestSelectVerifierCommitteeDrawsFromActiveCapabilities(t *testing.T) {
	n := testNode(t, "node-committee", 2, 2, time.Minute)

	registerTestCapability(t, n, "verifier-a", "code-review")
	registerTestCapability(t, n, "verifier-b", "code-review")
	registerTestCapability(t, n, "verifier-c", "unrelated-domain")

	w := committee.ScoreWeights{Reputation: 1, DomainFit: 1}
	selected, err := n.SelectVerifierCommittee("code-review", 2, w)
	if err != nil {
		t.Fatalf("select verifier committee: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("expected 2 verifiers, got %d: %v", len(selected), selected)
	}
	for _, id := range selected {
		if id == "verifier-c" {
			t.Fatalf("verifier-c does not serve code-review, should not be selected")
		}
	}
}

func TestSelectVerifierCommitteeNoCandidates(t *testing.T) {
	n := testNode(t, "node-committee-empty", 2, 2, time.Minute)

	if _, err := n.SelectVerifierCommittee("no-such-domain", 1, committee.ScoreWeights{}); err == nil {
		t.Fatal("expected error selecting from an empty candidate pool")
	}
}

func TestAttestRecordsBanditOutcome(t *testing.T) {
	n := testNode(t, "node-bandit", 1, 1, time.Minute)
	registerTestCapability(t, n, "verifier-a", "build")

	ctx := context.Background()
	if _, err := n.Need(ctx, "task-1", "build", nil, nil); err != nil {
		t.Fatalf("need: %v", err)
	}
	if _, err := n.Propose(ctx, "task-1", "proposal-a", putArtifact(t, n, "patch")); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, _, err := n.AttestPlan(ctx, "task-1", "proposal-a", "verifier-1", 1); err != nil {
		t.Fatalf("attest plan: %v", err)
	}
	if _, err := n.Claim(ctx, "task-1", 1, 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	payer := "payer-pubkey"
	if err := n.Ledger.Mint(n.cfg.NodeID, payer, 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := n.Commit(ctx, "task-1", payer, "compute", 20, []string{putArtifact(t, n, "result")}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, _, err := n.Attest(ctx, "task-1", "verifier-a", true); err != nil {
		t.Fatalf("attest: %v", err)
	}

	n.Bandit.Record("build", "verifier-b", 0) // control arm, untouched by Attest
	w := committee.ScoreWeights{Reputation: 1}
	pick, err := n.Bandit.Select("build", []committee.Candidate{
		{AgentID: "verifier-a"},
		{AgentID: "verifier-b"},
	}, w)
	if err != nil {
		t.Fatalf("bandit select: %v", err)
	}
	if pick.AgentID != "verifier-a" {
		t.Fatalf("expected verifier-a's recorded pass to win the bandit pick, got %s", pick.AgentID)
	}
}
