package node

import (
	"context"
	"fmt"
	"time"

	"github.com/concordmesh/kernel/pkg/envelope"
	"github.com/concordmesh/kernel/pkg/negotiation"
	"github.com/concordmesh/kernel/pkg/observability"
	"github.com/concordmesh/kernel/pkg/planlog"
	"github.com/concordmesh/kernel/pkg/quorum"
)

// OpenChallenge posts a typed challenge against a COMMITTED/VERIFIED task,
// escrowing the challenger's bond. The bond is held under a distinct escrow row
// ("challenge:"+taskID) from the task's own bounty escrow, since the two
// settle independently and on different conditions. A challenge posted at
// or after commit+T_challenge is still published (the log keeps it for
// audit) but escrows no bond and has no effect on the FINALIZE decision.
func (n *Node) OpenChallenge(ctx context.Context, taskID, challengerPubkey string, kind quorum.ChallengeKind, bond uint64, now time.Time) (envelope.Envelope, error) {
	if !kind.IsValid() {
		return envelope.Envelope{}, fmt.Errorf("node: unrecognized challenge kind %q", kind)
	}
	if !n.Results.InChallengeWindow(taskID, now, n.cfg.TChallenge) {
		env, err := n.publish(ctx, envelope.VerbChallenge, taskID, "", nil, map[string]interface{}{"kind": string(kind), "bond": bond})
		if err != nil {
			return envelope.Envelope{}, err
		}
		n.recordAudit(observability.EntryTypeAction, env, "challenge outside window, no effect")
		return env, nil
	}
	if err := n.Ledger.OpenEscrow("challenge:"+taskID, challengerPubkey, bond); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: escrow challenge bond: %w", err)
	}
	env, err := n.publish(ctx, envelope.VerbChallenge, taskID, "", nil, map[string]interface{}{"kind": string(kind), "bond": bond})
	if err != nil {
		return envelope.Envelope{}, err
	}
	n.Results.OpenChallenge(taskID, now, n.cfg.TChallenge)
	return env, nil
}

// UpholdChallenge applies the consequences of a sustained
// challenge: attesting verifiers are slashed proportionally to weight,
// the task's bounty escrow is split per split (challenger/honest/burn),
// the challenger's bond is returned, an INVALIDATE fact is appended,
// K_result is bumped for the retry, and the task reopens to DECIDED.
// INVALIDATE is verifier-only; this package does not itself track
// committee membership, so callers using pkg/committee must check
// membership before calling.
func (n *Node) UpholdChallenge(ctx context.Context, taskID, challengerPubkey string, attestingVerifiers map[string]float32, split quorum.ReallocationSplit, bounty uint64, bumpKResultBy int) (envelope.Envelope, error) {
	for verifier, weight := range attestingVerifiers {
		slashed, err := n.Ledger.Slash(verifier, weight)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("node: slash %s: %w", verifier, err)
		}
		if acct, err := n.Ledger.Account(verifier); err == nil && slashed > 0 && acct.Stake == 0 {
			// Fully slashed out of stake: pull the verifier's capability out
			// of future candidate pools rather than leaving a zero-stake
			// entry eligible for SelectVerifierCommittee.
			n.deprecateCapabilityIfRegistered(verifier)
		}
	}
	if taskType, ok := n.taskTypeOf(taskID); ok {
		for verifier := range attestingVerifiers {
			n.RecordCommitteeOutcome(taskType, verifier, 0.0)
		}
	}

	challengerShare, honestShare, burn := split.Apply(int64(bounty))
	shares := map[string]uint64{challengerPubkey: uint64(challengerShare)}
	if honestShare > 0 {
		shares["honest_verifier_pool"] = uint64(honestShare)
	}
	if err := n.Ledger.ReleaseEscrowSplit(taskID, shares, uint64(burn)); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: release bounty split: %w", err)
	}
	if err := n.Ledger.ReleaseEscrow("challenge:"+taskID, challengerPubkey); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: return challenge bond: %w", err)
	}

	env, err := n.publish(ctx, envelope.VerbInvalidate, taskID, "", nil, nil)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if _, err := n.Plan.Apply(env.ID, planlog.KindInvalidate, n.AgentID, planlog.Invalidate{TaskID: taskID}); err != nil {
		return envelope.Envelope{}, err
	}

	n.Results.IncreaseKResult(bumpKResultBy)
	n.Results.ResolveChallenge(taskID)
	if _, err := n.Negotiation.Transition(taskID, n.Negotiation.EpochOf(taskID), negotiation.EventChallengeUpheld); err != nil {
		return envelope.Envelope{}, err
	}
	n.recordAudit(observability.EntryTypeProof, env, fmt.Sprintf("challenge upheld, task=%s bumped K_result by %d", taskID, bumpKResultBy))
	return env, nil
}

// RejectChallenge handles a malformed or unsustained challenge: the
// challenger forfeits the bond (burned, not returned) and the task's
// challenge flag clears, unblocking FinalizeEligible. bond must equal the
// amount passed to the originating OpenChallenge call.
func (n *Node) RejectChallenge(ctx context.Context, taskID string, bond uint64) error {
	if err := n.Ledger.ReleaseEscrowSplit("challenge:"+taskID, map[string]uint64{}, bond); err != nil {
		return fmt.Errorf("node: forfeit challenge bond: %w", err)
	}
	n.Results.ResolveChallenge(taskID)
	return nil
}
