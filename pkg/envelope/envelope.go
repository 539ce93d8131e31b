// Package envelope implements the signed, immutable message envelope that
// every verb in the coordination kernel rides in.
package envelope

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/concordmesh/kernel/pkg/canonicalize"
	"github.com/concordmesh/kernel/pkg/identity"
)

// Verb is a closed tagged-variant set; an unrecognized string is rejected at
// ingress rather than dispatched through a runtime-typed handler table.
type Verb string

const (
	VerbNeed       Verb = "NEED"
	VerbPropose    Verb = "PROPOSE"
	VerbAttestPlan Verb = "ATTEST_PLAN"
	VerbDecide     Verb = "DECIDE"
	VerbUpdatePlan Verb = "UPDATE_PLAN"
	VerbReconcile  Verb = "RECONCILE"

	VerbClaim     Verb = "CLAIM"
	VerbYield     Verb = "YIELD"
	VerbRelease   Verb = "RELEASE"
	VerbHeartbeat Verb = "HEARTBEAT"
	VerbCommit    Verb = "COMMIT"
	VerbAttest    Verb = "ATTEST"
	VerbFinalize  Verb = "FINALIZE"

	VerbChallenge  Verb = "CHALLENGE"
	VerbInvalidate Verb = "INVALIDATE"
	VerbCheckpoint Verb = "CHECKPOINT"
)

var validVerbs = map[Verb]bool{
	VerbNeed: true, VerbPropose: true, VerbAttestPlan: true, VerbDecide: true,
	VerbUpdatePlan: true, VerbReconcile: true,
	VerbClaim: true, VerbYield: true, VerbRelease: true, VerbHeartbeat: true,
	VerbCommit: true, VerbAttest: true, VerbFinalize: true,
	VerbChallenge: true, VerbInvalidate: true, VerbCheckpoint: true,
}

// IsValid reports whether v is a member of the closed verb registry.
func (v Verb) IsValid() bool {
	return validVerbs[v]
}

// Sender identifies the envelope's origin.
type Sender struct {
	PubKey  string `json:"pubkey"`
	AgentID string `json:"agent_id"`
}

// Envelope is the signed, immutable unit every component exchanges.
// id is the hash of the canonical encoding of the envelope with sig
// excluded; sig is an Ed25519 signature over id.
type Envelope struct {
	ID                string                 `json:"id"`
	Thread            string                 `json:"thread"`
	Sender            Sender                 `json:"sender"`
	Capability        string                 `json:"capability"`
	Verb              Verb                   `json:"verb"`
	ContentRefs       []string               `json:"content_refs"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	PolicyCapsuleHash string                 `json:"policy_capsule_hash"`
	PolicyEngineHash  string                 `json:"policy_engine_hash"`
	PolicyEvalDigest  string                 `json:"policy_eval_digest,omitempty"`
	Lamport           uint64                 `json:"lamport"`
	Timestamp         time.Time              `json:"timestamp"`
	Sig               string                 `json:"sig,omitempty"`
}

// unsigned is the subset of fields hashed for id/sig, i.e. Envelope \ {ID, Sig}.
type unsigned struct {
	Thread            string                 `json:"thread"`
	Sender            Sender                 `json:"sender"`
	Capability        string                 `json:"capability"`
	Verb              Verb                   `json:"verb"`
	ContentRefs       []string               `json:"content_refs"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	PolicyCapsuleHash string                 `json:"policy_capsule_hash"`
	PolicyEngineHash  string                 `json:"policy_engine_hash"`
	PolicyEvalDigest  string                 `json:"policy_eval_digest,omitempty"`
	Lamport           uint64                 `json:"lamport"`
	Timestamp         time.Time              `json:"timestamp"`
}

func (e *Envelope) unsignedView() unsigned {
	return unsigned{
		Thread:            e.Thread,
		Sender:            e.Sender,
		Capability:        e.Capability,
		Verb:              e.Verb,
		ContentRefs:       e.ContentRefs,
		Payload:           e.Payload,
		PolicyCapsuleHash: e.PolicyCapsuleHash,
		PolicyEngineHash:  e.PolicyEngineHash,
		PolicyEvalDigest:  e.PolicyEvalDigest,
		Lamport:           e.Lamport,
		Timestamp:         e.Timestamp,
	}
}

// ComputeID returns the canonical-hash id of the envelope, excluding sig.
func (e *Envelope) ComputeID() (string, error) {
	h, err := canonicalize.CanonicalHash(e.unsignedView())
	if err != nil {
		return "", fmt.Errorf("envelope: canonicalization failed: %w", err)
	}
	return h, nil
}

// Sign computes id and sig using the given key.
func (e *Envelope) Sign(kp *identity.KeyPair) error {
	e.Sender.PubKey = kp.PublicKeyHex()
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id
	sig := kp.Sign([]byte(id))
	e.Sig = hex.EncodeToString(sig)
	return nil
}

// VerifyResult distinguishes the specific rejection cause.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyBadSignature
	VerifyMismatchedID
	VerifyStaleLamport
	VerifyUnknownCapability
	VerifyUnknownVerb
)

// Verify checks signature validity, id consistency, lamport monotonicity
// against lastSeenLamport for this sender, and capability membership in
// allowedCapabilities (nil disables the capability check).
func (e *Envelope) Verify(lastSeenLamport uint64, allowedCapabilities map[string]bool) (VerifyResult, error) {
	if !e.Verb.IsValid() {
		return VerifyUnknownVerb, nil
	}

	wantID, err := e.ComputeID()
	if err != nil {
		return 0, fmt.Errorf("envelope: recompute id failed: %w", err)
	}
	if wantID != e.ID {
		return VerifyMismatchedID, nil
	}

	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return VerifyBadSignature, nil
	}
	ok, err := identity.Verify(e.Sender.PubKey, []byte(e.ID), sig)
	if err != nil || !ok {
		return VerifyBadSignature, nil
	}

	if e.Lamport < lastSeenLamport {
		return VerifyStaleLamport, nil
	}

	if allowedCapabilities != nil && !allowedCapabilities[e.Capability] {
		return VerifyUnknownCapability, nil
	}

	return VerifyOK, nil
}
