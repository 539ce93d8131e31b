// Package node assembles every coordination-kernel component behind one
// struct: the reference wiring
// cmd/concordd drives. A requester publishes a signed NEED envelope,
// candidate workers propose, verifiers vote ATTEST_PLAN to a DECIDE, the
// winner CLAIMs and COMMITs with an escrowed bounty, a verifier committee
// posts ATTESTs, and FINALIZE releases the bounty once the challenge
// window closes clean. Every step flows through the components this
// struct holds.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/concordmesh/kernel/pkg/artifacts"
	"github.com/concordmesh/kernel/pkg/budget"
	"github.com/concordmesh/kernel/pkg/bus"
	"github.com/concordmesh/kernel/pkg/checkpoint"
	"github.com/concordmesh/kernel/pkg/committee"
	"github.com/concordmesh/kernel/pkg/config"
	"github.com/concordmesh/kernel/pkg/consensus"
	"github.com/concordmesh/kernel/pkg/envelope"
	"github.com/concordmesh/kernel/pkg/finance"
	"github.com/concordmesh/kernel/pkg/identity"
	"github.com/concordmesh/kernel/pkg/kernel/retry"
	"github.com/concordmesh/kernel/pkg/ledger"
	"github.com/concordmesh/kernel/pkg/negotiation"
	"github.com/concordmesh/kernel/pkg/observability"
	"github.com/concordmesh/kernel/pkg/planlog"
	"github.com/concordmesh/kernel/pkg/policy"
	"github.com/concordmesh/kernel/pkg/quorum"
	"github.com/concordmesh/kernel/pkg/registry"
	"github.com/concordmesh/kernel/pkg/store/leasestore"
	"github.com/concordmesh/kernel/pkg/throttle"
)

// bidVerbPolicies bounds the verbs agents herd on. Other verbs are either
// self-limiting (heartbeats pace themselves) or too rare to storm.
var bidVerbPolicies = map[string]throttle.Policy{
	string(envelope.VerbPropose): {PerMinute: 120, Burst: 20},
	string(envelope.VerbClaim):   {PerMinute: 60, Burst: 10},
}

// Node is one participant ("mind") in the coordination mesh.
type Node struct {
	AgentID string
	Keys    *identity.KeyPair
	Clock   *envelope.Clock

	Bus          bus.Bus
	CAS          artifacts.Store
	Plan         *planlog.Log
	Negotiation  *negotiation.Machine
	PlanVotes    *consensus.AttestationTracker
	Results      *quorum.ResultTracker
	Ledger       *ledger.Ledger
	Capabilities *registry.CapabilityRegistry
	Bandit       *committee.Bandit
	Checkpoints  *checkpoint.Tracker
	PolicyEngine *policy.Engine
	Capsule      *policy.Capsule
	Budget       budget.Enforcer
	Risk         *budget.RiskEnforcer
	Audit        *observability.AuditTimeline
	Obs          *observability.Provider
	SLOs         *observability.SLOTracker
	Throttle     *throttle.Gate

	cfg *config.Config
	log *slog.Logger

	mu                 sync.Mutex
	lastSeenLamport    map[string]uint64
	quarantinedCapsule map[string]bool
	proposers          map[string]string // proposalID -> proposing agent's ID
}

// Quarantined reports whether capsuleHash has been flagged by a policy
// digest divergence. Finalize refuses every task while this node's own
// capsule is quarantined; other operations and Observe do not consult the
// flag, and no method clears it.
func (n *Node) Quarantined(capsuleHash string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quarantinedCapsule[capsuleHash]
}

func (n *Node) quarantine(capsuleHash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.quarantinedCapsule == nil {
		n.quarantinedCapsule = make(map[string]bool)
	}
	n.quarantinedCapsule[capsuleHash] = true
}

// New assembles a Node from its already-constructed component
// dependencies. Construction (not wiring) of pluggable backends (SQL vs
// in-memory lease store, file vs S3/GCS CAS, in-memory vs SQL capsule
// gas-cost tracker) is left to the caller. costsTracker may be nil, in
// which case the
// policy engine meters capsule gas against an in-memory tracker.
func New(cfg *config.Config, keys *identity.KeyPair, clock *envelope.Clock, transport bus.Bus, leases leasestore.Store, costsTracker finance.Tracker, capsule *policy.Capsule, log *slog.Logger) (*Node, error) {
	var engine *policy.Engine
	var err error
	if costsTracker != nil {
		engine, err = policy.NewEngineWithTracker(capsule, costsTracker)
	} else {
		engine, err = policy.NewEngine(capsule)
	}
	if err != nil {
		return nil, fmt.Errorf("node: policy engine init: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	backoff := retryPolicyFrom(cfg)

	enforcer := budget.NewSimpleEnforcer(budget.NewMemoryStorage())
	for class, limit := range cfg.BountyCapsByClass {
		// bounty_caps_by_class caps per-bounty-class spend; fed in
		// as both the daily and monthly ceiling since the protocol doesn't
		// distinguish sub-class time windows.
		if err := enforcer.SetLimits(context.Background(), class, limit, limit); err != nil {
			return nil, fmt.Errorf("node: seed bounty cap for class %q: %w", class, err)
		}
	}

	return &Node{
		AgentID:            cfg.NodeID,
		Keys:               keys,
		Clock:              clock,
		Bus:                transport,
		Plan:               planlog.New(),
		Negotiation:        negotiation.NewMachine(leases, backoff),
		PlanVotes:          consensus.NewAttestationTracker(cfg.KPlan),
		Results:            quorum.NewResultTracker(cfg.KResult),
		Ledger:             ledger.New(cfg.NodeID),
		Capabilities:       registry.NewCapabilityRegistry(selfSigVerifier{keys: keys}),
		Bandit:             committee.NewBandit(cfg.Bootstrap.Alpha),
		Checkpoints:        checkpoint.NewTracker(cfg.KPlan),
		PolicyEngine:       engine,
		Capsule:            capsule,
		Budget:             enforcer,
		Risk:               budget.NewRiskEnforcer(),
		Audit:              observability.NewAuditTimeline(),
		Throttle:           throttle.NewGate(throttle.NewMemoryStore(), bidVerbPolicies),
		cfg:                cfg,
		log:                log,
		lastSeenLamport:    make(map[string]uint64),
		quarantinedCapsule: make(map[string]bool),
		proposers:          make(map[string]string),
	}, nil
}

// selfSigVerifier is a minimal registry.CapabilitySignatureVerifier that
// accepts any non-empty signature without checking it against a key,
// sufficient for the single-process demo wiring; a multi-node deployment
// supplies a verifier that checks against the sender's declared pubkey
// instead.
type selfSigVerifier struct{ keys *identity.KeyPair }

func (v selfSigVerifier) VerifyCapabilitySignature(contentHash string, sig *registry.CapabilitySignature) (bool, error) {
	return sig.Signature != "", nil
}

// WithThrottleStore swaps the throttle gate's bucket store, e.g. for a
// Redis store shared across ingress replicas.
func (n *Node) WithThrottleStore(store throttle.Store) *Node {
	n.Throttle = throttle.NewGate(store, bidVerbPolicies)
	return n
}

// WithCAS attaches the content-addressed artifact store. Publishing an
// envelope with content_refs requires every referenced artifact to already
// be reachable through this store; a node without a CAS can only publish
// ref-free envelopes.
func (n *Node) WithCAS(store artifacts.Store) *Node {
	n.CAS = store
	return n
}

// WithObservability attaches an optional OTel provider and SLO tracker,
// wired post-construction since both require an OTLP endpoint/context that
// cmd/concordd only resolves after assembling the node.
// A nil provider or tracker is valid and leaves tracing/SLO recording a no-op.
func (n *Node) WithObservability(provider *observability.Provider, slos *observability.SLOTracker) *Node {
	n.Obs = provider
	n.SLOs = slos
	return n
}

// recordAudit appends an entry to the node's audit timeline,
// keyed by the envelope's thread so a replay can be queried per NEED.
func (n *Node) recordAudit(entryType observability.TimelineEntryType, env envelope.Envelope, summary string) {
	if n.Audit == nil {
		return
	}
	_ = n.Audit.Record(observability.TimelineEntry{
		EntryType:  entryType,
		EnvelopeID: env.ID,
		ThreadID:   env.Thread,
		Actor:      env.Sender.AgentID,
		Summary:    summary,
	})
}

func retryPolicyFrom(cfg *config.Config) retry.BackoffPolicy {
	return retry.BackoffPolicy{
		PolicyID:    "claim-retry",
		BaseMs:      int64(cfg.BidWindow / time.Millisecond),
		MaxMs:       int64(cfg.LeaseTTL / time.Millisecond),
		MaxJitterMs: int64(cfg.BidWindow / time.Millisecond),
		MaxAttempts: 8,
	}
}
