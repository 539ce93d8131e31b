package observability

import "testing"

func TestDefaultSLICatalog(t *testing.T) {
	r := DefaultSLIs()
	if r.Count() == 0 {
		t.Fatal("expected seeded SLI catalog")
	}

	sli, err := r.Get("finalize-within-window")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sli.Operation != "finalize" {
		t.Errorf("unexpected operation %q", sli.Operation)
	}

	if got := r.ByOperation("ingress"); len(got) != 1 {
		t.Errorf("expected 1 ingress SLI, got %d", len(got))
	}
}

func TestSLIRegisterValidation(t *testing.T) {
	r := NewSLIRegistry()
	if err := r.Register(&SLI{SLIID: "x"}); err == nil {
		t.Fatal("expected rejection of incomplete SLI")
	}
}

func TestSLIReRegisterReplacesWithoutDuplicateIndex(t *testing.T) {
	r := NewSLIRegistry()
	first := &SLI{SLIID: "a", Name: "one", Operation: "decide"}
	if err := r.Register(first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	second := &SLI{SLIID: "a", Name: "two", Operation: "decide"}
	if err := r.Register(second); err != nil {
		t.Fatalf("re-Register failed: %v", err)
	}
	if got := r.ByOperation("decide"); len(got) != 1 {
		t.Fatalf("expected 1 entry after replacement, got %d", len(got))
	}
	sli, _ := r.Get("a")
	if sli.Name != "two" {
		t.Errorf("replacement did not take: %q", sli.Name)
	}
}

func TestSLILinkToSLO(t *testing.T) {
	r := DefaultSLIs()
	if err := r.LinkToSLO("challenge-uphold-rate", "challenge-slo"); err != nil {
		t.Fatalf("LinkToSLO failed: %v", err)
	}
	sli, _ := r.Get("challenge-uphold-rate")
	if sli.LinkedSLOID != "challenge-slo" {
		t.Errorf("link not recorded: %q", sli.LinkedSLOID)
	}
	if err := r.LinkToSLO("absent", "x"); err == nil {
		t.Fatal("expected error linking unknown SLI")
	}
}
