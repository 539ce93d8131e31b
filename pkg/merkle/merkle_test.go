package merkle

import "testing"

func planView() map[string]interface{} {
	return map[string]interface{}{
		"tasks/task-1":  map[string]interface{}{"type": "research", "state": "FINAL"},
		"tasks/task-2":  map[string]interface{}{"type": "compute", "state": "DECIDED"},
		"edges/t1-t2":   map[string]interface{}{"parent": "task-1", "child": "task-2"},
		"decides/need1": map[string]interface{}{"proposal": "p1", "epoch": 2},
	}
}

func TestBuildTreeDeterministic(t *testing.T) {
	a, err := BuildMerkleTree(planView())
	if err != nil {
		t.Fatalf("build a: %v", err)
	}
	b, err := BuildMerkleTree(planView())
	if err != nil {
		t.Fatalf("build b: %v", err)
	}
	if a.Root == "" {
		t.Fatal("expected non-empty root")
	}
	if a.Root != b.Root {
		t.Fatalf("same view produced different roots: %s vs %s", a.Root, b.Root)
	}
}

func TestRootChangesWithContent(t *testing.T) {
	base, err := BuildMerkleTree(planView())
	if err != nil {
		t.Fatalf("build base: %v", err)
	}

	mutated := planView()
	mutated["tasks/task-2"] = map[string]interface{}{"type": "compute", "state": "FINAL"}
	other, err := BuildMerkleTree(mutated)
	if err != nil {
		t.Fatalf("build mutated: %v", err)
	}
	if base.Root == other.Root {
		t.Fatal("state change did not alter the root")
	}
}

func TestEmptyViewHasEmptyRoot(t *testing.T) {
	tree, err := BuildMerkleTree(map[string]interface{}{})
	if err != nil {
		t.Fatalf("build empty: %v", err)
	}
	if tree.Root != "" {
		t.Fatalf("expected empty root, got %s", tree.Root)
	}
}

func TestInclusionProofRoundTrip(t *testing.T) {
	tree, err := BuildMerkleTree(planView())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for path := range planView() {
		proof, err := tree.Prove(path)
		if err != nil {
			t.Fatalf("prove %s: %v", path, err)
		}
		if !VerifyInclusionProof(proof, tree.Root) {
			t.Errorf("valid proof for %s rejected", path)
		}
	}
}

func TestInclusionProofOddLeafCount(t *testing.T) {
	view := map[string]interface{}{
		"a": 1, "b": 2, "c": 3,
	}
	tree, err := BuildMerkleTree(view)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// The last leaf of an odd level pairs with itself; its proof must
	// still verify.
	proof, err := tree.Prove("c")
	if err != nil {
		t.Fatalf("prove c: %v", err)
	}
	if !VerifyInclusionProof(proof, tree.Root) {
		t.Error("self-paired leaf proof rejected")
	}
}

func TestInclusionProofRejectsTampering(t *testing.T) {
	tree, err := BuildMerkleTree(planView())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.Prove("tasks/task-1")
	if err != nil {
		t.Fatalf("prove: %v", err)
	}

	tampered := proof
	tampered.LeafHash = proof.ProofPath[0].SiblingHash
	if VerifyInclusionProof(tampered, tree.Root) {
		t.Error("tampered leaf hash accepted")
	}

	if VerifyInclusionProof(proof, "deadbeef") {
		t.Error("proof accepted against the wrong trusted root")
	}
}

func TestProveUnknownPath(t *testing.T) {
	tree, err := BuildMerkleTree(planView())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := tree.Prove("tasks/absent"); err == nil {
		t.Fatal("expected error for unknown path")
	}
}
