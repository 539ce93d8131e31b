package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Concord semantic convention attributes.
var (
	// Envelope/identity attributes
	AttrAgentID      = attribute.Key("concord.agent.id")
	AttrEnvelopeID   = attribute.Key("concord.envelope.id")
	AttrEnvelopeVerb = attribute.Key("concord.envelope.verb")

	// Negotiation state machine attributes
	AttrNeedID    = attribute.Key("concord.negotiation.need_id")
	AttrTaskID    = attribute.Key("concord.negotiation.task_id")
	AttrNegState  = attribute.Key("concord.negotiation.state")
	AttrNegEpoch  = attribute.Key("concord.negotiation.epoch")
	AttrNegAction = attribute.Key("concord.negotiation.action")

	// Policy gate attributes
	AttrPolicyDomain = attribute.Key("concord.policy.domain")
	AttrPolicyGate   = attribute.Key("concord.policy.gate")
	AttrPolicyAction = attribute.Key("concord.policy.action")
	AttrGateDecision = attribute.Key("concord.policy.decision")
	AttrGateLatency  = attribute.Key("concord.policy.latency_ms")
	AttrEngineHash   = attribute.Key("concord.policy.engine_hash")

	// Consensus/quorum attributes
	AttrProposalID  = attribute.Key("concord.consensus.proposal_id")
	AttrQuorumCount = attribute.Key("concord.consensus.quorum_count")
	AttrChallenged  = attribute.Key("concord.quorum.challenged")

	// Ledger attributes
	AttrAccountID    = attribute.Key("concord.ledger.account_id")
	AttrLedgerOp     = attribute.Key("concord.ledger.op")
	AttrLedgerAmount = attribute.Key("concord.ledger.amount")

	// Identity/crypto attributes
	AttrCryptoAlgorithm = attribute.Key("concord.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("concord.crypto.operation")
	AttrCryptoKeyID     = attribute.Key("concord.crypto.key_id")
)

// NegotiationOperation creates attributes for a negotiation state transition.
func NegotiationOperation(agentID, needID, state, action string, epoch int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrNeedID.String(needID),
		AttrNegState.String(state),
		AttrNegAction.String(action),
		AttrNegEpoch.Int64(epoch),
	}
}

// GateOperation creates attributes for a policy gate evaluation.
func GateOperation(gate, domain, action, decision string, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyGate.String(gate),
		AttrPolicyDomain.String(domain),
		AttrPolicyAction.String(action),
		AttrGateDecision.String(decision),
		AttrGateLatency.Float64(latencyMs),
	}
}

// LedgerOperation creates attributes for a ledger mutation.
func LedgerOperation(accountID, op string, amount int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAccountID.String(accountID),
		AttrLedgerOp.String(op),
		AttrLedgerAmount.Int64(amount),
	}
}

// CryptoOperation creates attributes for cryptographic operations.
func CryptoOperation(algorithm, operation, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
		AttrCryptoKeyID.String(keyID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
