package node

import (
	"fmt"

	"github.com/concordmesh/kernel/pkg/committee"
	"github.com/concordmesh/kernel/pkg/ledger"
	"github.com/concordmesh/kernel/pkg/registry"
)

// RegisterCapability publishes entry and drives it through the registry's
// staged activation lifecycle: publish, re-verify signatures,
// mark verified, mark signed, then activate. A failure at any stage
// leaves entry short of Active and therefore invisible to
// SelectVerifierCommittee's domain search, which only considers
// Active/Signed entries.
func (n *Node) RegisterCapability(entry *registry.CapabilityEntry) error {
	if err := n.Capabilities.Publish(entry); err != nil {
		return fmt.Errorf("node: publish capability: %w", err)
	}
	if _, err := n.Capabilities.VerifyCapability(entry.AgentID); err != nil {
		return fmt.Errorf("node: verify capability: %w", err)
	}
	if err := n.Capabilities.MarkVerified(entry.AgentID); err != nil {
		return fmt.Errorf("node: mark capability verified: %w", err)
	}
	if err := n.Capabilities.MarkSigned(entry.AgentID); err != nil {
		return fmt.Errorf("node: mark capability signed: %w", err)
	}
	if err := n.Capabilities.Activate(entry.AgentID); err != nil {
		return fmt.Errorf("node: activate capability: %w", err)
	}
	return nil
}

// SelectVerifierCommittee runs the Filter -> Shortlist -> Bandit
// pipeline for taskType, drawing the candidate pool from n.Capabilities
// (agents that published a matching domain) and scoring each against
// n.Ledger's stake/reputation before handing the diversity-checked
// shortlist to n.Bandit for the final pick. Returns the committeeSize
// agent IDs selected; callers drive AttestPlan/Attest with the returned
// set rather than an arbitrary verifier pool.
func (n *Node) SelectVerifierCommittee(taskType string, committeeSize int, w committee.ScoreWeights) ([]string, error) {
	found := n.Capabilities.Search(registry.CapabilitySearchQuery{
		Domain: taskType,
		States: []registry.CapabilityState{registry.CapabilityStateActive, registry.CapabilityStateSigned},
	})
	if len(found.Entries) == 0 {
		return nil, fmt.Errorf("node: no registered capability serves domain %q", taskType)
	}

	candidates := make([]committee.Candidate, 0, len(found.Entries))
	for _, entry := range found.Entries {
		acct, err := n.Ledger.Account(entry.AgentID)
		if err != nil {
			// An agent can publish a capability before it ever touches the
			// ledger; treat it as an unstaked newcomer rather than
			// excluding it.
			acct = ledgerZeroAccount(entry.AgentID)
		}
		candidates = append(candidates, committee.Candidate{
			AgentID:    entry.AgentID,
			Org:        orgOf(entry),
			Reputation: float64(acct.Reputation),
			Stake:      acct.Stake,
			DomainFit:  domainFitOf(entry, taskType),
			IsNewcomer: acct.Stake == 0 && acct.Reputation == 0,
		})
	}

	caps := committee.DiversityCaps{
		PerOrg:    n.cfg.DiversityCaps.PerOrg,
		PerASN:    n.cfg.DiversityCaps.PerASN,
		PerRegion: n.cfg.DiversityCaps.PerRegion,
	}
	shortlisted, err := committee.Assemble(candidates, nil, w, caps, committeeSize, 5)
	if err != nil {
		return nil, fmt.Errorf("node: assemble committee for %q: %w", taskType, err)
	}

	selected := make([]string, 0, committeeSize)
	remaining := append([]committee.Candidate{}, shortlisted...)
	for len(selected) < committeeSize && len(remaining) > 0 {
		pick, err := n.Bandit.Select(taskType, remaining, w)
		if err != nil {
			return nil, fmt.Errorf("node: bandit select for %q: %w", taskType, err)
		}
		selected = append(selected, pick.AgentID)
		remaining = removeCandidate(remaining, pick.AgentID)
	}
	return selected, nil
}

// RecordCommitteeOutcome feeds a verifier's FINALIZE/challenge outcome
// back into the domain's bandit, so future SelectVerifierCommittee calls
// for the same domain favor verifiers with clean attestation records.
func (n *Node) RecordCommitteeOutcome(taskType, agentID string, reward float64) {
	n.Bandit.Record(taskType, agentID, reward)
}

func removeCandidate(candidates []committee.Candidate, agentID string) []committee.Candidate {
	out := make([]committee.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.AgentID != agentID {
			out = append(out, c)
		}
	}
	return out
}

func orgOf(entry *registry.CapabilityEntry) string {
	if entry.Metadata == nil {
		return ""
	}
	if org, ok := entry.Metadata["org"].(string); ok {
		return org
	}
	return ""
}

func domainFitOf(entry *registry.CapabilityEntry, taskType string) float64 {
	for _, d := range entry.Domains {
		if d == taskType {
			return 1.0
		}
	}
	return 0.0
}

func ledgerZeroAccount(agentID string) ledger.Account {
	return ledger.Account{PubKey: agentID}
}

// deprecateCapabilityIfRegistered removes agentID's capability descriptor
// from future SelectVerifierCommittee candidate pools. Called when a
// verifier is slashed to zero stake; a no-op for agents that never
// published a capability (e.g. a plain committee member with no registered
// descriptor).
func (n *Node) deprecateCapabilityIfRegistered(agentID string) {
	if _, ok := n.Capabilities.Get(agentID); !ok {
		return
	}
	_ = n.Capabilities.Deprecate(agentID)
}
