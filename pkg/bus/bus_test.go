package bus

import (
	"context"
	"testing"
	"time"

	"github.com/concordmesh/kernel/pkg/envelope"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := NewInProcessBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, envelope.VerbNeed)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env := envelope.Envelope{Verb: envelope.VerbNeed, ID: "e1"}
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != "e1" {
			t.Fatalf("expected e1, got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublishSkipsNonMatchingVerbFilter(t *testing.T) {
	b := NewInProcessBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, envelope.VerbCommit)
	_ = b.Publish(ctx, envelope.Envelope{Verb: envelope.VerbNeed, ID: "e2"})

	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery of non-matching verb: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRejectsUnknownVerb(t *testing.T) {
	b := NewInProcessBus(4)
	err := b.Publish(context.Background(), envelope.Envelope{Verb: "BOGUS"})
	if err == nil {
		t.Fatal("expected error for unknown verb")
	}
}

func TestSubscribeAllVerbsOnEmptyFilter(t *testing.T) {
	b := NewInProcessBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx)
	_ = b.Publish(ctx, envelope.Envelope{Verb: envelope.VerbClaim, ID: "e3"})

	select {
	case got := <-ch:
		if got.ID != "e3" {
			t.Fatalf("expected e3, got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	b := NewInProcessBus(4)
	ch, _ := b.Subscribe(context.Background())
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
	if err := b.Publish(context.Background(), envelope.Envelope{Verb: envelope.VerbNeed}); err == nil {
		t.Fatal("expected publish on closed bus to error")
	}
}
