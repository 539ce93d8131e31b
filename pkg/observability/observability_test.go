package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// None of these may panic or export anything with telemetry off.
	ctx := context.Background()
	p.RecordRequest(ctx, AttrEnvelopeVerb.String("NEED"))
	p.RecordError(ctx, errors.New("boom"), AttrEnvelopeVerb.String("COMMIT"))
	p.RecordDuration(ctx, 5*time.Millisecond)

	ctx, done := p.TrackOperation(ctx, "node.publish")
	done(nil)
	done2ctx, done2 := p.TrackOperation(ctx, "node.ingress")
	_ = done2ctx
	done2(errors.New("denied"))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestDisabledProviderStillTraces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Tracer/Meter fall back to the global no-op providers.
	ctx, span := p.StartSpan(context.Background(), "negotiation.claim")
	if span == nil {
		t.Fatal("expected a span")
	}
	span.End()
	if ctx == nil {
		t.Fatal("expected a context")
	}
	if p.Tracer() == nil || p.Meter() == nil {
		t.Fatal("expected non-nil tracer and meter")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName == "" || cfg.OTLPEndpoint == "" {
		t.Fatalf("incomplete default config: %+v", cfg)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("dev default should sample everything, got %f", cfg.SampleRate)
	}
}

func TestGateOperationAttributes(t *testing.T) {
	attrs := GateOperation("ingress", "task-1", "COMMIT", "deny", 1.5)
	if len(attrs) != 5 {
		t.Fatalf("expected 5 attributes, got %d", len(attrs))
	}
	found := false
	for _, a := range attrs {
		if a.Key == AttrGateDecision && a.Value.AsString() == "deny" {
			found = true
		}
	}
	if !found {
		t.Error("missing gate decision attribute")
	}
}

func TestNegotiationOperationAttributes(t *testing.T) {
	attrs := NegotiationOperation("agent-1", "need-1", "DECIDED", "decide", 3)
	var epoch int64
	for _, a := range attrs {
		if a.Key == AttrNegEpoch {
			epoch = a.Value.AsInt64()
		}
	}
	if epoch != 3 {
		t.Errorf("expected epoch attribute 3, got %d", epoch)
	}
}
