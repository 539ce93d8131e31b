package throttle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateAdmitsUnpolicedVerbs(t *testing.T) {
	gate := NewGate(NewMemoryStore(), map[string]Policy{
		"PROPOSE": {PerMinute: 60, Burst: 1},
	})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := gate.Admit(ctx, "agent-1", "HEARTBEAT"); err != nil {
			t.Fatalf("unpoliced verb throttled: %v", err)
		}
	}
}

func TestGateThrottlesBurst(t *testing.T) {
	gate := NewGate(NewMemoryStore(), map[string]Policy{
		"PROPOSE": {PerMinute: 60, Burst: 2},
	})
	ctx := context.Background()

	if err := gate.Admit(ctx, "agent-1", "PROPOSE"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := gate.Admit(ctx, "agent-1", "PROPOSE"); err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if err := gate.Admit(ctx, "agent-1", "PROPOSE"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestGateBucketsAreIndependent(t *testing.T) {
	gate := NewGate(NewMemoryStore(), map[string]Policy{
		"PROPOSE": {PerMinute: 60, Burst: 1},
		"CLAIM":   {PerMinute: 60, Burst: 1},
	})
	ctx := context.Background()

	if err := gate.Admit(ctx, "agent-1", "PROPOSE"); err != nil {
		t.Fatalf("agent-1 PROPOSE: %v", err)
	}
	// Different agent, same verb: fresh bucket.
	if err := gate.Admit(ctx, "agent-2", "PROPOSE"); err != nil {
		t.Fatalf("agent-2 PROPOSE: %v", err)
	}
	// Same agent, different verb: fresh bucket.
	if err := gate.Admit(ctx, "agent-1", "CLAIM"); err != nil {
		t.Fatalf("agent-1 CLAIM: %v", err)
	}
}

func TestNilGateIsOpen(t *testing.T) {
	var gate *Gate
	if err := gate.Admit(context.Background(), "agent-1", "PROPOSE"); err != nil {
		t.Fatalf("nil gate should admit everything: %v", err)
	}
}

func TestMemoryStoreRefills(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	// 600/min = 10/sec, so a drained burst-1 bucket refills within ~100ms.
	policy := Policy{PerMinute: 600, Burst: 1}

	ok, err := store.Allow(ctx, "k", policy, 1)
	if err != nil || !ok {
		t.Fatalf("fresh bucket Allow = (%v, %v)", ok, err)
	}
	ok, _ = store.Allow(ctx, "k", policy, 1)
	if ok {
		t.Fatal("drained bucket should deny")
	}
	time.Sleep(150 * time.Millisecond)
	ok, _ = store.Allow(ctx, "k", policy, 1)
	if !ok {
		t.Fatal("bucket should refill after the rate interval")
	}
}

// TestRedisStoreIntegration needs a reachable Redis; skipped otherwise.
func TestRedisStoreIntegration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	ctx := context.Background()
	if err := store.client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available")
	}

	policy := Policy{PerMinute: 60, Burst: 1}
	key := "it-" + time.Now().Format("150405.000")

	ok, err := store.Allow(ctx, key, policy, 1)
	if err != nil || !ok {
		t.Fatalf("fresh bucket Allow = (%v, %v)", ok, err)
	}
	ok, err = store.Allow(ctx, key, policy, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("drained bucket should deny")
	}
}
