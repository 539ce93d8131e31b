package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/concordmesh/kernel/pkg/ledgerlog"
	"github.com/concordmesh/kernel/pkg/planlog"
)

func TestBuildRootDeterministicAcrossInsertOrder(t *testing.T) {
	log1 := planlog.New()
	log2 := planlog.New()

	facts := []struct {
		id      string
		kind    planlog.Kind
		payload interface{}
	}{
		{"f1", planlog.KindAddTask, planlog.AddTask{TaskID: "t1", Type: "work"}},
		{"f2", planlog.KindAddTask, planlog.AddTask{TaskID: "t2", Type: "work"}},
		{"f3", planlog.KindState, planlog.State{TaskID: "t1", State: planlog.StateDecided}},
	}

	for _, f := range facts {
		if _, err := log1.Apply(f.id, f.kind, "a1", f.payload); err != nil {
			t.Fatalf("apply to log1: %v", err)
		}
	}
	// Apply to log2 in reverse order.
	for i := len(facts) - 1; i >= 0; i-- {
		f := facts[i]
		if _, err := log2.Apply(f.id, f.kind, "a1", f.payload); err != nil {
			t.Fatalf("apply to log2: %v", err)
		}
	}

	root1, err := BuildRoot(log1.State())
	if err != nil {
		t.Fatalf("build root 1: %v", err)
	}
	root2, err := BuildRoot(log2.State())
	if err != nil {
		t.Fatalf("build root 2: %v", err)
	}
	if root1.Root != root2.Root {
		t.Fatalf("expected identical roots regardless of apply order, got %s vs %s", root1.Root, root2.Root)
	}
}

func TestTrackerBecomesStableAtKPlan(t *testing.T) {
	tr := NewTracker(2)
	stable, err := tr.RecordAttestation(1, "root-a", "v1")
	if err != nil || stable {
		t.Fatalf("expected not yet stable after 1 vote: stable=%v err=%v", stable, err)
	}
	stable, err = tr.RecordAttestation(1, "root-a", "v2")
	if err != nil || !stable {
		t.Fatalf("expected stable after 2nd distinct vote: stable=%v err=%v", stable, err)
	}
	if !tr.IsStable(1) {
		t.Fatal("expected epoch 1 to be stable")
	}
}

func TestTrackerDuplicateVerifierDoesNotDoubleCount(t *testing.T) {
	tr := NewTracker(2)
	tr.RecordAttestation(1, "root-a", "v1")
	stable, _ := tr.RecordAttestation(1, "root-a", "v1")
	if stable {
		t.Fatal("duplicate attestation from same verifier should not cross quorum")
	}
}

func TestTrackerRootMismatchIsError(t *testing.T) {
	tr := NewTracker(2)
	tr.RecordAttestation(1, "root-a", "v1")
	_, err := tr.RecordAttestation(1, "root-b", "v2")
	if !errors.Is(err, ErrRootMismatch) {
		t.Fatalf("expected ErrRootMismatch, got %v", err)
	}
}

func TestLatestStableEpoch(t *testing.T) {
	tr := NewTracker(1)
	tr.RecordAttestation(3, "r3", "v1")
	tr.RecordAttestation(5, "r5", "v1")
	epoch, ok := tr.LatestStableEpoch()
	if !ok || epoch != 5 {
		t.Fatalf("expected latest stable epoch 5, got %d ok=%v", epoch, ok)
	}
}

func TestPrunableFiltersByEpoch(t *testing.T) {
	entries := []ledgerlog.LedgerEntry{
		{EntryType: "ADD_TASK", Data: map[string]interface{}{"epoch": float64(1)}},
		{EntryType: "ADD_TASK", Data: map[string]interface{}{"epoch": float64(5)}},
	}
	entryEpoch := func(e ledgerlog.LedgerEntry) (uint64, bool) {
		v, ok := e.Data["epoch"].(float64)
		return uint64(v), ok
	}
	out := Prunable(entries, 3, entryEpoch)
	if len(out) != 1 {
		t.Fatalf("expected 1 prunable entry below epoch 3, got %d", len(out))
	}
}

func TestArtifactLivenessRequiresBothConditions(t *testing.T) {
	if ArtifactLiveness("h1", map[string]bool{"h1": true}, 1, 5) {
		t.Fatal("a live-referenced artifact must not be freeable")
	}
	if ArtifactLiveness("h2", map[string]bool{}, 10, 5) {
		t.Fatal("an artifact created after the stable checkpoint must not be freeable")
	}
	if !ArtifactLiveness("h3", map[string]bool{}, 1, 5) {
		t.Fatal("expected an unreferenced, pre-checkpoint artifact to be freeable")
	}
}

type fakeSource struct {
	cp  StableCheckpoint
	err error
}

func (f fakeSource) LatestStableCheckpoint(ctx context.Context) (StableCheckpoint, error) {
	return f.cp, f.err
}

func TestBootstrapVerifiesRootAndReturnsNextEpoch(t *testing.T) {
	cp := StableCheckpoint{Epoch: 7, MerkleRoot: "deadbeef", Attestors: []string{"v1", "v2"}}
	got, _, err := Bootstrap(context.Background(), fakeSource{cp: cp}, func(c StableCheckpoint) (string, error) {
		return "deadbeef", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if NextEpoch(got) != 8 {
		t.Fatalf("expected next epoch 8, got %d", NextEpoch(got))
	}
}

func TestBootstrapRejectsRootMismatch(t *testing.T) {
	cp := StableCheckpoint{Epoch: 7, MerkleRoot: "deadbeef"}
	_, _, err := Bootstrap(context.Background(), fakeSource{cp: cp}, func(c StableCheckpoint) (string, error) {
		return "wrongroot", nil
	})
	if err == nil {
		t.Fatal("expected root mismatch error")
	}
}
