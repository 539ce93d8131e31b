package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/concordmesh/kernel/pkg/envelope"
	"github.com/concordmesh/kernel/pkg/negotiation"
	"github.com/concordmesh/kernel/pkg/observability"
	"github.com/concordmesh/kernel/pkg/planlog"
)

// Observe applies an admitted peer envelope to this node's own derived
// state: plan-log facts, negotiation transitions, lease mirror, and
// quorum counters. This is what makes K_plan/K_result quorums converge
// across distinct processes: every node counts the ATTEST_PLAN/ATTEST
// envelopes it observes, not only the votes it casts itself. Envelopes
// this node published are skipped (their effects were applied at publish
// time). An envelope whose transition is illegal in the task's current
// state leaves the negotiation state, and for COMMIT the recorded commit
// time, unchanged and is kept in the audit timeline; plan-log facts,
// votes and proposer records it carries are still applied.
func (n *Node) Observe(ctx context.Context, env envelope.Envelope) error {
	if env.Sender.AgentID == n.AgentID {
		return nil
	}

	switch env.Verb {
	case envelope.VerbNeed:
		return n.observeNeed(env)

	case envelope.VerbPropose:
		n.mu.Lock()
		n.proposers[payloadString(env, "proposal_id")] = env.Sender.AgentID
		n.mu.Unlock()
		if n.Negotiation.StateOf(env.Thread) == negotiation.StateNeed {
			n.transitionQuiet(env, negotiation.EventPropose)
		}
		return nil

	case envelope.VerbAttestPlan:
		return n.observeAttestPlan(ctx, env)

	case envelope.VerbDecide:
		return n.observeDecide(env)

	case envelope.VerbClaim:
		// Mirror the remote lease so this node's scavenger tracks the
		// claimant's deadline too.
		ttl := time.Duration(payloadInt64(env, "lease_ttl_ms")) * time.Millisecond
		if ttl <= 0 {
			ttl = n.cfg.LeaseTTL
		}
		if _, err := n.Negotiation.Claim(ctx, env.Thread, env.Sender.AgentID, payloadUint64(env, "epoch"), ttl); err != nil {
			n.recordAudit(observability.EntryTypeAction, env, "claim not applied: "+err.Error())
		}
		return nil

	case envelope.VerbHeartbeat:
		ttl := time.Duration(payloadInt64(env, "lease_ttl_ms")) * time.Millisecond
		if ttl <= 0 {
			ttl = n.cfg.LeaseTTL
		}
		if _, err := n.Negotiation.Heartbeat(ctx, env.Thread, env.Sender.AgentID, ttl); err != nil {
			n.recordAudit(observability.EntryTypeAction, env, "heartbeat not applied: "+err.Error())
		}
		return nil

	case envelope.VerbYield, envelope.VerbRelease:
		if err := n.Negotiation.Release(ctx, env.Thread, env.Sender.AgentID, n.Negotiation.EpochOf(env.Thread)); err != nil {
			n.recordAudit(observability.EntryTypeAction, env, "release not applied: "+err.Error())
		}
		return nil

	case envelope.VerbCommit:
		if _, err := n.Negotiation.Transition(env.Thread, n.Negotiation.EpochOf(env.Thread), negotiation.EventCommit); err != nil {
			n.recordAudit(observability.EntryTypeAction, env, string(env.Verb)+" not applied: "+err.Error())
			return nil
		}
		n.Results.RecordCommit(env.Thread, env.Timestamp)
		return nil

	case envelope.VerbAttest:
		return n.observeAttest(env)

	case envelope.VerbFinalize:
		return n.observeFinalize(env)

	case envelope.VerbChallenge:
		if !n.Results.OpenChallenge(env.Thread, env.Timestamp, n.cfg.TChallenge) {
			n.recordAudit(observability.EntryTypeAction, env, "challenge outside window, no effect")
		}
		return nil

	case envelope.VerbInvalidate:
		if _, err := n.Plan.Apply(env.ID, planlog.KindInvalidate, env.Sender.AgentID, planlog.Invalidate{TaskID: env.Thread}); err != nil {
			return fmt.Errorf("node: apply INVALIDATE: %w", err)
		}
		n.transitionQuiet(env, negotiation.EventChallengeUpheld)
		return nil

	case envelope.VerbCheckpoint:
		_, err := n.Checkpoints.RecordAttestation(payloadUint64(env, "epoch"), payloadString(env, "merkle_root"), env.Sender.AgentID)
		return err

	case envelope.VerbReconcile:
		_, err := n.Plan.Apply(env.ID, planlog.KindReconcile, env.Sender.AgentID, planlog.Reconcile{
			Thread:  env.Thread,
			Summary: payloadString(env, "summary"),
		})
		return err

	case envelope.VerbUpdatePlan:
		_, err := n.Plan.Apply(env.ID, planlog.KindAnnotate, env.Sender.AgentID, planlog.Annotate{
			TaskID:  env.Thread,
			Key:     payloadString(env, "key"),
			Value:   env.Payload["value"],
			Lamport: env.Lamport,
			ActorID: env.Sender.AgentID,
		})
		return err
	}
	return nil
}

func (n *Node) observeNeed(env envelope.Envelope) error {
	_, err := n.Plan.Apply(env.ID, planlog.KindAddTask, env.Sender.AgentID, planlog.AddTask{
		TaskID:   env.Thread,
		Type:     payloadString(env, "task_type"),
		Requires: payloadStrings(env, "requires"),
		Produces: payloadStrings(env, "produces"),
	})
	if err != nil {
		return fmt.Errorf("node: apply ADD_TASK: %w", err)
	}
	return nil
}

// observeAttestPlan counts a remote verifier's plan vote and, if that vote
// is the one crossing K_plan on this node, ratifies the DECIDE locally.
func (n *Node) observeAttestPlan(ctx context.Context, env envelope.Envelope) error {
	proposalID := payloadString(env, "proposal_id")
	epoch := payloadUint64(env, "epoch")

	_, reached := n.PlanVotes.RecordAttestPlan(env.Thread, proposalID, env.Sender.AgentID)
	if !reached {
		return nil
	}

	n.mu.Lock()
	proposerID := n.proposers[proposalID]
	n.mu.Unlock()
	if proposerID == "" {
		proposerID = env.Sender.AgentID
	}

	decide := planlog.Decide{NeedID: env.Thread, ProposalID: proposalID, Epoch: epoch, Lamport: env.Lamport, ProposerID: proposerID}
	if _, err := n.Plan.Apply(env.ID+":decide", planlog.KindDecide, env.Sender.AgentID, decide); err != nil {
		return fmt.Errorf("node: apply DECIDE: %w", err)
	}
	if _, err := n.Negotiation.Transition(env.Thread, epoch, negotiation.EventAttestPlanQuorum); err != nil {
		n.recordAudit(observability.EntryTypeAction, env, "decide not applied: "+err.Error())
		return nil
	}
	n.recordAudit(observability.EntryTypeDecision, env, fmt.Sprintf("DECIDE need=%s proposal=%s epoch=%d", env.Thread, proposalID, epoch))
	if n.Obs != nil {
		n.Obs.RecordRequest(ctx, observability.NegotiationOperation(n.AgentID, env.Thread, "DECIDED", "decide", int64(epoch))...)
	}
	return nil
}

// observeDecide applies an explicitly published DECIDE fact; the plan
// log's merge rule keeps only the max (epoch, lamport, proposer_id) key
// effective, so a stale DECIDE lands in the log without winning.
func (n *Node) observeDecide(env envelope.Envelope) error {
	epoch := payloadUint64(env, "epoch")
	decide := planlog.Decide{
		NeedID:     env.Thread,
		ProposalID: payloadString(env, "proposal_id"),
		Epoch:      epoch,
		Lamport:    env.Lamport,
		ProposerID: payloadString(env, "proposer_id"),
	}
	if _, err := n.Plan.Apply(env.ID, planlog.KindDecide, env.Sender.AgentID, decide); err != nil {
		return fmt.Errorf("node: apply DECIDE: %w", err)
	}
	if n.Negotiation.StateOf(env.Thread) == negotiation.StateProposed {
		if _, err := n.Negotiation.Transition(env.Thread, epoch, negotiation.EventAttestPlanQuorum); err != nil {
			n.recordAudit(observability.EntryTypeAction, env, "decide not applied: "+err.Error())
		}
	}
	return nil
}

func (n *Node) observeAttest(env envelope.Envelope) error {
	if !payloadBool(env, "verdict") {
		return nil
	}
	count := n.Results.RecordAttestPass(env.Thread, env.Sender.AgentID)
	if count < n.cfg.KResult {
		return nil
	}
	if _, err := n.Negotiation.Transition(env.Thread, n.Negotiation.EpochOf(env.Thread), negotiation.EventAttestResultQuorum); err != nil {
		n.recordAudit(observability.EntryTypeAction, env, "verify not applied: "+err.Error())
		return nil
	}
	if _, err := n.Plan.Apply(env.ID+":state", planlog.KindState, env.Sender.AgentID, planlog.State{TaskID: env.Thread, State: planlog.StateVerified}); err != nil {
		return fmt.Errorf("node: apply STATE: %w", err)
	}
	return nil
}

func (n *Node) observeFinalize(env envelope.Envelope) error {
	// A FINALIZE is only admissible with K_result passing attestations, an
	// elapsed challenge window, and no open challenge; an observer checks
	// that locally rather than trusting the emitter.
	if !n.Results.FinalizeEligible(env.Thread, env.Timestamp, n.cfg.TChallenge) {
		n.recordAudit(observability.EntryTypeAction, env, "finalize not admissible, ignored")
		return nil
	}
	if _, err := n.Plan.Apply(env.ID+":finalize", planlog.KindFinalize, env.Sender.AgentID, planlog.Finalize{TaskID: env.Thread}); err != nil {
		return fmt.Errorf("node: apply FINALIZE: %w", err)
	}
	if _, err := n.Plan.Apply(env.ID+":state", planlog.KindState, env.Sender.AgentID, planlog.State{TaskID: env.Thread, State: planlog.StateFinal}); err != nil {
		return fmt.Errorf("node: apply STATE: %w", err)
	}
	n.transitionQuiet(env, negotiation.EventChallengeWindowElapsed)
	n.recordAudit(observability.EntryTypeDecision, env, "FINALIZE task="+env.Thread)
	return nil
}

// transitionQuiet advances the thread's state machine, downgrading an
// illegal transition (out-of-order or duplicate delivery) to an audit
// entry instead of an error.
func (n *Node) transitionQuiet(env envelope.Envelope, event negotiation.Event) {
	if _, err := n.Negotiation.Transition(env.Thread, n.Negotiation.EpochOf(env.Thread), event); err != nil {
		n.recordAudit(observability.EntryTypeAction, env, string(env.Verb)+" not applied: "+err.Error())
	}
}

// Payload accessors tolerate both in-process values (uint64, bool,
// []string) and JSON-decoded ones (float64, json.Number, []interface{}).

func payloadString(env envelope.Envelope, key string) string {
	s, _ := env.Payload[key].(string)
	return s
}

func payloadBool(env envelope.Envelope, key string) bool {
	b, _ := env.Payload[key].(bool)
	return b
}

func payloadUint64(env envelope.Envelope, key string) uint64 {
	switch v := env.Payload[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	case json.Number:
		i, _ := v.Int64()
		return uint64(i)
	}
	return 0
}

func payloadInt64(env envelope.Envelope, key string) int64 {
	return int64(payloadUint64(env, key))
}

func payloadStrings(env envelope.Envelope, key string) []string {
	switch v := env.Payload[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
