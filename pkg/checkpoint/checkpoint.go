// Package checkpoint implements epoch checkpointing and newcomer fast
// sync: building a Merkle root over the derived plan-log
// view, tracking when a checkpoint becomes stable under K_plan
// attestations, and the pruning/bootstrap sequence that follows. The
// tree algorithm lives in pkg/merkle; Tracker counts distinct-identity
// attestations itself, with the same idiom as
// pkg/consensus.AttestationTracker.
package checkpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/concordmesh/kernel/pkg/merkle"
	"github.com/concordmesh/kernel/pkg/planlog"
)

// BuildRoot computes the Merkle root over a derived plan-log view's facts,
// the commitment a CHECKPOINT(epoch, merkle_root) fact publishes.
// Paths are namespaced by fact kind so two tasks/need_ids that
// happen to share an ID string never collide as Merkle leaves.
func BuildRoot(state *planlog.DerivedState) (*merkle.MerkleTree, error) {
	leaves := make(map[string]interface{})

	for id, t := range state.Tasks {
		leaves["task/"+id] = t
	}
	for needID, d := range state.Decisions {
		leaves["decide/"+needID] = d
	}
	for taskID, s := range state.States {
		leaves["state/"+taskID] = s.String()
	}
	for taskID := range state.Finalized {
		leaves["final/"+taskID] = true
	}
	for taskID := range state.Invalidated {
		leaves["invalid/"+taskID] = true
	}
	for parent, children := range state.Edges {
		ids := make([]string, 0, len(children))
		for c := range children {
			ids = append(ids, c)
		}
		sort.Strings(ids)
		leaves["edges/"+parent] = ids
	}

	return merkle.BuildMerkleTree(leaves)
}

// Tracker collects distinct-verifier attestations on a CHECKPOINT's
// Merkle root per epoch and reports when it crosses K_plan, i.e. becomes
// "stable".
type Tracker struct {
	mu      sync.Mutex
	kPlan   int
	attests map[uint64]map[string]bool // epoch -> verifier_id -> attested
	roots   map[uint64]string          // epoch -> merkle_root last seen
	stable  map[uint64]bool
}

// NewTracker returns a Tracker requiring kPlan distinct attestations
// before a checkpoint is considered stable.
func NewTracker(kPlan int) *Tracker {
	return &Tracker{
		kPlan:   kPlan,
		attests: make(map[uint64]map[string]bool),
		roots:   make(map[uint64]string),
		stable:  make(map[uint64]bool),
	}
}

// ErrRootMismatch is returned when a verifier attests to a different
// Merkle root for an epoch than previously recorded. That is an integrity
// fault: nodes disagreeing on the checkpoint root for the same epoch
// disagree on the derived view itself, which two nodes holding the same
// fact multiset should never do.
var ErrRootMismatch = fmt.Errorf("checkpoint: conflicting merkle root for epoch")

// RecordAttestation registers verifierID's attestation to root for epoch
// and reports whether this attestation is the one that first crosses
// K_plan (newly stable).
func (t *Tracker) RecordAttestation(epoch uint64, root, verifierID string) (stable bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.roots[epoch]; ok && existing != root {
		return false, ErrRootMismatch
	}
	t.roots[epoch] = root

	if t.attests[epoch] == nil {
		t.attests[epoch] = make(map[string]bool)
	}
	t.attests[epoch][verifierID] = true

	if len(t.attests[epoch]) >= t.kPlan && !t.stable[epoch] {
		t.stable[epoch] = true
		return true, nil
	}
	return false, nil
}

// IsStable reports whether epoch's checkpoint has reached K_plan
// attestations.
func (t *Tracker) IsStable(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stable[epoch]
}

// LatestStableEpoch returns the highest epoch marked stable, if any.
func (t *Tracker) LatestStableEpoch() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best uint64
	found := false
	for epoch, ok := range t.stable {
		if ok && (!found || epoch > best) {
			best, found = epoch, true
		}
	}
	return best, found
}
