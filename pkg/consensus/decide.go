// Package consensus implements per-NEED scoped plan consensus: verifiers vote ATTEST_PLAN until a proposal collects K_plan
// attestations from distinct identities, at which point it becomes the
// effective DECIDE for that need_id.
package consensus

import (
	"sync"

	"github.com/concordmesh/kernel/pkg/planlog"
)

// AttestationTracker counts distinct-verifier ATTEST_PLAN votes per
// (need_id, proposal_id) and reports when K_plan is reached.
type AttestationTracker struct {
	mu      sync.Mutex
	kPlan   int
	votes   map[string]map[string]bool // need_id:proposal_id -> verifier_id -> voted
	decided map[string]bool            // need_id:proposal_id -> already reported
}

// NewAttestationTracker returns a tracker requiring kPlan distinct
// attestations before a proposal is reported decided.
func NewAttestationTracker(kPlan int) *AttestationTracker {
	return &AttestationTracker{
		kPlan:   kPlan,
		votes:   make(map[string]map[string]bool),
		decided: make(map[string]bool),
	}
}

func key(needID, proposalID string) string { return needID + ":" + proposalID }

// RecordAttestPlan registers one verifier's vote and reports whether this
// vote is the one that crosses K_plan for the first time (a repeated vote
// from the same identity graph member, or a vote after the threshold was
// already reached, returns reached=false).
func (t *AttestationTracker) RecordAttestPlan(needID, proposalID, verifierID string) (count int, reached bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(needID, proposalID)
	if t.votes[k] == nil {
		t.votes[k] = make(map[string]bool)
	}
	t.votes[k][verifierID] = true
	count = len(t.votes[k])

	if count >= t.kPlan && !t.decided[k] {
		t.decided[k] = true
		return count, true
	}
	return count, false
}

// Winner resolves which DECIDE is effective when two proposals for the
// same need_id reach quorum on different sides of a partition: the one
// with the greater (epoch, lamport, proposer_id) key wins, matching
// planlog's CRDT merge rule exactly.
func Winner(a, b planlog.Decide) planlog.Decide {
	if a.Less(b) {
		return b
	}
	return a
}
