package policy

import (
	"github.com/concordmesh/kernel/pkg/canonicalize"
)

// Decision is the pure-function result of eval(capsule, engine_hash,
// inputs, gas_limit) returning {allow|deny, reasons[], digest}.
type Decision struct {
	Allow   bool
	Reasons []string
	Digest  string
}

// decide runs the engine and folds the Verdict into a Decision whose Digest
// is H(inputs || decision), the determinism anchor two nodes with equal
// engine_hash must agree on.
func decide(e *Engine, input map[string]interface{}) (Decision, error) {
	verdict, err := e.Evaluate(input)
	if err == ErrGasExhausted {
		d := Decision{Allow: false, Reasons: []string{"gas_exhausted"}}
		digest, hashErr := digestOf(input, d)
		if hashErr != nil {
			return Decision{}, hashErr
		}
		d.Digest = digest
		return d, nil
	}
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allow: verdict.Allowed}
	if !verdict.Allowed {
		d.Reasons = []string{verdict.DenyReason}
	}
	digest, err := digestOf(input, d)
	if err != nil {
		return Decision{}, err
	}
	d.Digest = digest
	return d, nil
}

func digestOf(input map[string]interface{}, d Decision) (string, error) {
	return canonicalize.CanonicalHash(struct {
		Input   map[string]interface{} `json:"input"`
		Allow   bool                   `json:"allow"`
		Reasons []string               `json:"reasons,omitempty"`
	}{Input: input, Allow: d.Allow, Reasons: d.Reasons})
}

// Preflight runs at the sender, before publish. A deny means the caller must
// not publish the envelope.
func Preflight(e *Engine, input map[string]interface{}) (Decision, error) {
	return decide(e, input)
}

// Ingress runs at every receiver, before enqueueing the envelope onto the
// plan log or negotiation state machine. A deny means the receiver drops
// the envelope; Decision.Reasons[0], when present, names the cause.
func Ingress(e *Engine, input map[string]interface{}) (Decision, error) {
	return decide(e, input)
}

// CommitGate runs at a verifier, re-evaluating the capsule against post-hoc
// telemetry folded into input inside a COMMIT. Nothing in pkg/node calls
// it: the policy_eval_digest an ATTEST envelope carries is the Preflight
// digest of that envelope's own publish input.
func CommitGate(e *Engine, input map[string]interface{}) (Decision, error) {
	return decide(e, input)
}
