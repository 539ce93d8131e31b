package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/concordmesh/kernel/pkg/budget"
	"github.com/concordmesh/kernel/pkg/canonicalize"
	"github.com/concordmesh/kernel/pkg/checkpoint"
	"github.com/concordmesh/kernel/pkg/envelope"
	"github.com/concordmesh/kernel/pkg/negotiation"
	"github.com/concordmesh/kernel/pkg/observability"
	"github.com/concordmesh/kernel/pkg/planlog"
	"github.com/concordmesh/kernel/pkg/policy"
	"github.com/concordmesh/kernel/pkg/throttle"
)

// planRoot computes the Merkle root over this node's current derived
// plan-log view, the commitment a CHECKPOINT fact publishes.
func planRoot(n *Node) (string, error) {
	tree, err := checkpoint.BuildRoot(n.Plan.State())
	if err != nil {
		return "", fmt.Errorf("node: build checkpoint root: %w", err)
	}
	return tree.Root, nil
}

// publish builds, gates at Preflight, signs, and publishes an envelope for
// verb. A Preflight deny aborts the publish: the envelope never reaches the
// bus. Content refs must already be resolvable through the node's CAS so no
// receiver ever holds a ref whose bytes its sender cannot serve.
func (n *Node) publish(ctx context.Context, verb envelope.Verb, thread, capability string, refs []string, extra map[string]interface{}) (_ envelope.Envelope, retErr error) {
	gateStart := time.Now()
	if n.Obs != nil {
		var span func(error)
		ctx, span = n.Obs.TrackOperation(ctx, "node.publish", observability.GateOperation("preflight", thread, string(verb), "pending", 0)...)
		defer func() { span(retErr) }()
	}

	if err := n.checkRefsReachable(ctx, refs); err != nil {
		return envelope.Envelope{}, err
	}

	lamport, err := n.Clock.Tick()
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: clock tick: %w", err)
	}

	capsuleHash, err := canonicalize.CanonicalHash(n.Capsule)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: hash capsule: %w", err)
	}

	input := map[string]interface{}{"verb": string(verb), "thread": thread, "capability": capability}
	for k, v := range extra {
		input[k] = v
	}
	decision, err := policy.Preflight(n.PolicyEngine, input)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: preflight eval: %w", err)
	}
	if n.Obs != nil {
		gateDecision := "allow"
		if !decision.Allow {
			gateDecision = "deny"
		}
		n.Obs.RecordDuration(ctx, time.Since(gateStart), observability.GateOperation("preflight", thread, string(verb), gateDecision, float64(time.Since(gateStart).Milliseconds()))...)
	}
	if !decision.Allow {
		if n.Obs != nil {
			n.Obs.RecordError(ctx, fmt.Errorf("preflight denied"), observability.AttrEnvelopeVerb.String(string(verb)))
		}
		return envelope.Envelope{}, fmt.Errorf("node: preflight denied verb %s: %v", verb, decision.Reasons)
	}

	env := envelope.Envelope{
		Thread:            thread,
		Sender:            envelope.Sender{AgentID: n.AgentID},
		Capability:        capability,
		Verb:              verb,
		ContentRefs:       refs,
		Payload:           extra,
		PolicyCapsuleHash: capsuleHash,
		PolicyEngineHash:  n.Capsule.EngineHash,
		PolicyEvalDigest:  decision.Digest,
		Lamport:           lamport,
		Timestamp:         time.Now(),
	}
	if err := env.Sign(n.Keys); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: sign: %w", err)
	}
	if err := n.Bus.Publish(ctx, env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: publish: %w", err)
	}
	return env, nil
}

// Ingress runs the ingress policy gate plus lamport/capability
// verification before admitting env. A deny or verify failure
// returns ok=false with the cause in reason, and the envelope is not
// applied to the plan log or negotiation machine. Run's workers log and
// audit the rejection; no REJECT envelope is published.
func (n *Node) Ingress(ctx context.Context, env envelope.Envelope) (ok bool, reason string, err error) {
	n.mu.Lock()
	lastSeen := n.lastSeenLamport[env.Sender.PubKey]
	n.mu.Unlock()

	result, verifyErr := env.Verify(lastSeen, nil)
	if verifyErr != nil {
		return false, "", fmt.Errorf("node: verify error: %w", verifyErr)
	}
	if result != envelope.VerifyOK {
		return false, verifyReason(result), nil
	}

	if _, err := n.Clock.Observe(env.Lamport); err != nil {
		return false, "", fmt.Errorf("node: clock observe: %w", err)
	}
	n.mu.Lock()
	n.lastSeenLamport[env.Sender.PubKey] = env.Lamport
	n.mu.Unlock()

	// Bid-storm damping runs before policy evaluation so a flooding agent
	// cannot burn this node's capsule gas.
	if err := n.Throttle.Admit(ctx, env.Sender.AgentID, string(env.Verb)); err != nil {
		if errors.Is(err, throttle.ErrThrottled) {
			return false, "backpressure", nil
		}
		return false, "", err
	}

	// The ingress input mirrors the sender's preflight input (verb, thread,
	// capability, plus the envelope payload) so two honest nodes evaluate
	// the same bytes and the digest comparison below compares like with
	// like.
	input := map[string]interface{}{"verb": string(env.Verb), "thread": env.Thread, "capability": env.Capability}
	for k, v := range env.Payload {
		input[k] = v
	}
	decision, err := policy.Ingress(n.PolicyEngine, input)
	if err != nil {
		return false, "", fmt.Errorf("node: ingress eval: %w", err)
	}
	if !decision.Allow {
		reason := "policy_denied"
		if len(decision.Reasons) > 0 {
			reason = decision.Reasons[0]
		}
		return false, reason, nil
	}

	// Policy determinism contract: two nodes with the same
	// engine_hash evaluating the same inputs must produce the same digest.
	// A mismatch on an ATTEST/ATTEST_PLAN is an integrity fault:
	// fatal, quarantines the capsule rather than just dropping the envelope.
	if isAttestVerb(env.Verb) && env.PolicyEvalDigest != "" && env.PolicyEngineHash == n.Capsule.EngineHash && env.PolicyEvalDigest != decision.Digest {
		n.quarantine(env.PolicyCapsuleHash)
		n.recordAudit(observability.EntryTypeEscalation, env, "policy digest divergence, quarantining capsule "+env.PolicyCapsuleHash)
		return false, "policy_digest_divergence", nil
	}
	return true, "", nil
}

func isAttestVerb(v envelope.Verb) bool {
	return v == envelope.VerbAttest || v == envelope.VerbAttestPlan
}

func verifyReason(r envelope.VerifyResult) string {
	switch r {
	case envelope.VerifyBadSignature:
		return "bad_signature"
	case envelope.VerifyMismatchedID:
		return "mismatched_id"
	case envelope.VerifyStaleLamport:
		return "stale_lamport"
	case envelope.VerifyUnknownCapability:
		return "unknown_capability"
	case envelope.VerifyUnknownVerb:
		return "unknown_verb"
	default:
		return "unknown"
	}
}

// Need publishes a NEED envelope and appends its ADD_TASK fact, the first
// step of any thread's lifecycle.
func (n *Node) Need(ctx context.Context, taskID, taskType string, requires, produces []string) (envelope.Envelope, error) {
	env, err := n.publish(ctx, envelope.VerbNeed, taskID, "", nil, map[string]interface{}{
		"task_type": taskType, "requires": requires, "produces": produces,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if _, err := n.Plan.Apply(env.ID, planlog.KindAddTask, n.AgentID, planlog.AddTask{
		TaskID: taskID, Type: taskType, Requires: requires, Produces: produces,
	}); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: apply ADD_TASK: %w", err)
	}
	return env, nil
}

// Propose publishes a PROPOSE envelope referencing a candidate plan patch
// artifact, and advances the need's state machine from NEED to PROPOSED on
// the first proposal. A second or later proposal for the same
// need_id is a no-op at the state-machine level; the bid window stays
// open for multiple PROPOSEs until plan consensus reaches DECIDE.
func (n *Node) Propose(ctx context.Context, needID, proposalID string, planArtifactRef string) (envelope.Envelope, error) {
	env, err := n.publish(ctx, envelope.VerbPropose, needID, "", []string{planArtifactRef}, map[string]interface{}{"proposal_id": proposalID})
	if err != nil {
		return envelope.Envelope{}, err
	}
	n.mu.Lock()
	n.proposers[proposalID] = env.Sender.AgentID
	n.mu.Unlock()
	if n.Negotiation.StateOf(needID) == negotiation.StateNeed {
		if _, err := n.Negotiation.Transition(needID, n.Negotiation.EpochOf(needID), negotiation.EventPropose); err != nil {
			return envelope.Envelope{}, err
		}
	}
	return env, nil
}

// AttestPlan records a verifier's ATTEST_PLAN vote and, on reaching
// K_plan, appends the effective DECIDE fact and advances the negotiation
// state machine.
func (n *Node) AttestPlan(ctx context.Context, needID, proposalID, verifierID string, epoch uint64) (decided bool, env envelope.Envelope, err error) {
	env, err = n.publish(ctx, envelope.VerbAttestPlan, needID, "", nil, map[string]interface{}{"proposal_id": proposalID, "epoch": epoch})
	if err != nil {
		return false, envelope.Envelope{}, err
	}
	_, reached := n.PlanVotes.RecordAttestPlan(needID, proposalID, verifierID)
	if !reached {
		return false, env, nil
	}

	n.mu.Lock()
	proposerID := n.proposers[proposalID]
	n.mu.Unlock()
	if proposerID == "" {
		// No local record of who proposed proposalID (e.g. this node only
		// observed PROPOSE over the bus rather than originating it itself);
		// fall back to the attesting verifier rather than leaving the DECIDE
		// fact's proposer field empty.
		proposerID = verifierID
	}

	decide := planlog.Decide{NeedID: needID, ProposalID: proposalID, Epoch: epoch, Lamport: env.Lamport, ProposerID: proposerID}
	if _, err := n.Plan.Apply(env.ID+":decide", planlog.KindDecide, n.AgentID, decide); err != nil {
		return false, envelope.Envelope{}, fmt.Errorf("node: apply DECIDE: %w", err)
	}
	if _, err := n.Negotiation.Transition(needID, epoch, negotiation.EventAttestPlanQuorum); err != nil {
		return false, envelope.Envelope{}, err
	}
	n.recordAudit(observability.EntryTypeDecision, env, fmt.Sprintf("DECIDE need=%s proposal=%s epoch=%d", needID, proposalID, epoch))
	if n.Obs != nil {
		n.Obs.RecordRequest(ctx, observability.NegotiationOperation(n.AgentID, needID, "DECIDED", "decide", int64(epoch))...)
	}
	return true, env, nil
}

// Claim attempts to lease taskID for this node, publishing CLAIM only on
// success.
func (n *Node) Claim(ctx context.Context, taskID string, epoch uint64, leaseTTL time.Duration) (envelope.Envelope, error) {
	if _, err := n.Negotiation.Claim(ctx, taskID, n.AgentID, epoch, leaseTTL); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: claim: %w", err)
	}
	return n.publish(ctx, envelope.VerbClaim, taskID, "", nil, map[string]interface{}{
		"epoch": epoch, "lease_ttl_ms": leaseTTL.Milliseconds(),
	})
}

// Commit publishes the producing node's COMMIT, opens the escrowed
// bounty, and appends STATE(COMMITTED) bookkeeping via the negotiation
// machine.
func (n *Node) Commit(ctx context.Context, taskID, payerPubkey, bountyClass string, bounty uint64, outputRefs []string) (envelope.Envelope, error) {
	if n.Budget != nil && bountyClass != "" {
		decision, err := n.Budget.Check(ctx, bountyClass, budget.Cost{Amount: int64(bounty), Reason: taskID})
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("node: bounty budget check: %w", err)
		}
		if !decision.Allowed {
			return envelope.Envelope{}, fmt.Errorf("node: bounty class %q over budget: %s", bountyClass, decision.Reason)
		}
	}
	if n.Risk != nil && bountyClass != "" {
		n.ensureRiskBudget(payerPubkey)
		riskDecision := n.Risk.CheckRisk(payerPubkey, riskLevelForClass(bountyClass), float64(bounty), 1)
		if !riskDecision.Allowed {
			return envelope.Envelope{}, fmt.Errorf("node: bounty class %q over risk budget for %s: %s", bountyClass, payerPubkey, riskDecision.Reason)
		}
	}
	if err := n.Ledger.OpenEscrow(taskID, payerPubkey, bounty); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: open escrow: %w", err)
	}
	env, err := n.publish(ctx, envelope.VerbCommit, taskID, "", outputRefs, map[string]interface{}{"bounty": bounty, "bounty_class": bountyClass})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if _, err := n.Negotiation.Transition(taskID, n.Negotiation.EpochOf(taskID), negotiation.EventCommit); err != nil {
		return envelope.Envelope{}, err
	}
	n.Results.RecordCommit(taskID, env.Timestamp)
	if n.Budget != nil && bountyClass != "" {
		if err := n.Budget.RecordSpend(ctx, bountyClass, budget.Cost{Amount: int64(bounty), Reason: taskID}); err != nil {
			n.log.Warn("bounty spend record failed", "task_id", taskID, "class", bountyClass, "error", err.Error())
		}
	}
	if n.Obs != nil {
		n.Obs.RecordRequest(ctx, observability.LedgerOperation(payerPubkey, "open_escrow", int64(bounty))...)
	}
	return env, nil
}

// Attest records a verifier's ATTEST{pass} and advances to VERIFIED once
// K_result is reached.
func (n *Node) Attest(ctx context.Context, taskID, verifierID string, pass bool) (verified bool, env envelope.Envelope, err error) {
	env, err = n.publish(ctx, envelope.VerbAttest, taskID, "", nil, map[string]interface{}{"verdict": pass})
	if err != nil {
		return false, envelope.Envelope{}, err
	}
	if taskType, ok := n.taskTypeOf(taskID); ok {
		reward := 0.0
		if pass {
			reward = 1.0
		}
		n.RecordCommitteeOutcome(taskType, verifierID, reward)
	}
	if !pass {
		return false, env, nil
	}
	count := n.Results.RecordAttestPass(taskID, verifierID)
	if count < n.cfg.KResult {
		return false, env, nil
	}
	if _, err := n.Negotiation.Transition(taskID, n.Negotiation.EpochOf(taskID), negotiation.EventAttestResultQuorum); err != nil {
		return false, envelope.Envelope{}, err
	}
	if _, err := n.Plan.Apply(env.ID+":state", planlog.KindState, n.AgentID, planlog.State{TaskID: taskID, State: planlog.StateVerified}); err != nil {
		return false, envelope.Envelope{}, err
	}
	return true, env, nil
}

// Finalize checks FinalizeEligible and, if satisfied, releases escrow,
// appends FINALIZE/STATE(FINAL), and advances the negotiation machine
func (n *Node) Finalize(ctx context.Context, taskID, recipientPubkey string, now time.Time) (envelope.Envelope, error) {
	capsuleHash, err := canonicalize.CanonicalHash(n.Capsule)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: hash capsule: %w", err)
	}
	if n.Quarantined(capsuleHash) {
		return envelope.Envelope{}, fmt.Errorf("node: task %s blocked: policy capsule %s is quarantined", taskID, capsuleHash)
	}
	if !n.Results.FinalizeEligible(taskID, now, n.cfg.TChallenge) {
		return envelope.Envelope{}, fmt.Errorf("node: task %s not yet finalize-eligible", taskID)
	}
	if err := n.Ledger.ReleaseEscrow(taskID, recipientPubkey); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: release escrow: %w", err)
	}
	if n.Obs != nil {
		n.Obs.RecordRequest(ctx, observability.LedgerOperation(recipientPubkey, "release_escrow", 0)...)
	}
	env, err := n.publish(ctx, envelope.VerbFinalize, taskID, "", nil, nil)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if n.SLOs != nil {
		if commitAt, ok := n.Results.CommitTime(taskID); ok {
			n.SLOs.Record(observability.SLOObservation{Operation: "finalize", Latency: now.Sub(commitAt), Success: true})
		}
	}
	if _, err := n.Negotiation.Transition(taskID, n.Negotiation.EpochOf(taskID), negotiation.EventChallengeWindowElapsed); err != nil {
		return envelope.Envelope{}, err
	}
	if _, err := n.Plan.Apply(env.ID+":finalize", planlog.KindFinalize, n.AgentID, planlog.Finalize{TaskID: taskID}); err != nil {
		return envelope.Envelope{}, err
	}
	if _, err := n.Plan.Apply(env.ID+":state", planlog.KindState, n.AgentID, planlog.State{TaskID: taskID, State: planlog.StateFinal}); err != nil {
		return envelope.Envelope{}, err
	}
	n.recordAudit(observability.EntryTypeDecision, env, "FINALIZE task="+taskID)
	return env, nil
}

// taskTypeOf looks up taskID's declared type from the derived plan-log
// view (its ADD_TASK fact), the domain SelectVerifierCommittee/
// RecordCommitteeOutcome key bandit state by.
func (n *Node) taskTypeOf(taskID string) (string, bool) {
	task, ok := n.Plan.State().Tasks[taskID]
	if !ok {
		return "", false
	}
	return task.Type, true
}

// ensureRiskBudget lazily seeds a risk budget for payerPubkey the first time
// it COMMITs a bounty: a risk-score cap of 1,000,000 plus the sum of every
// configured bounty_caps_by_class limit, a blast-radius cap of 1000, a
// compute cap equal to the node's gas_limit, and full autonomy.
func (n *Node) ensureRiskBudget(payerPubkey string) {
	if _, err := n.Risk.GetBudget(payerPubkey); err == nil {
		return
	}
	cap := float64(1_000_000)
	for _, limit := range n.cfg.BountyCapsByClass {
		cap += float64(limit)
	}
	n.Risk.SetBudget(&budget.RiskBudget{
		AccountID:        payerPubkey,
		ComputeCapMillis: n.cfg.GasLimit,
		BlastRadiusCap:   1000,
		RiskScoreCap:     cap,
		AutonomyLevel:    100,
	})
}

// riskLevelForClass maps a bounty_class string onto budget.RiskLevel,
// matching the protocol's own risk vocabulary case-insensitively and
// falling back to RiskMedium for classes that don't name a risk tier
// explicitly.
func riskLevelForClass(bountyClass string) budget.RiskLevel {
	switch strings.ToUpper(bountyClass) {
	case string(budget.RiskLow):
		return budget.RiskLow
	case string(budget.RiskHigh):
		return budget.RiskHigh
	case string(budget.RiskCritical):
		return budget.RiskCritical
	default:
		return budget.RiskMedium
	}
}

// Checkpoint builds a Merkle root over the current derived plan-log view
// and publishes a CHECKPOINT envelope.
func (n *Node) Checkpoint(ctx context.Context, epoch uint64) (envelope.Envelope, string, error) {
	merkleRoot, err := planRoot(n)
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	env, err := n.publish(ctx, envelope.VerbCheckpoint, "", "", nil, map[string]interface{}{"epoch": epoch, "merkle_root": merkleRoot})
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	if _, err := n.Plan.Apply(env.ID, planlog.KindCheckpoint, n.AgentID, planlog.Checkpoint{Epoch: epoch, MerkleRoot: merkleRoot}); err != nil {
		return envelope.Envelope{}, "", err
	}
	return env, merkleRoot, nil
}
