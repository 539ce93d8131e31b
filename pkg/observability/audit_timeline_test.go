package observability

import (
	"testing"
	"time"
)

func TestTimelineRecordAndQueryByThread(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl := NewAuditTimeline().WithClock(fixedClock(now))

	entries := []TimelineEntry{
		{EntryType: EntryTypeAction, ThreadID: "need-1", EnvelopeID: "e1", Summary: "admitted NEED"},
		{EntryType: EntryTypeDecision, ThreadID: "need-1", EnvelopeID: "e2", Summary: "DECIDE need=need-1"},
		{EntryType: EntryTypeAction, ThreadID: "need-2", EnvelopeID: "e3", Summary: "admitted NEED"},
	}
	for _, e := range entries {
		if err := tl.Record(e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got := tl.Query(TimelineQuery{ThreadID: "need-1"})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for need-1, got %d", len(got))
	}
	for _, e := range got {
		if e.ContentHash == "" {
			t.Error("entry missing content hash")
		}
		if e.EntryID == "" {
			t.Error("entry missing assigned ID")
		}
	}
}

func TestTimelineQueryByTypeAndLimit(t *testing.T) {
	tl := NewAuditTimeline()
	for i := 0; i < 5; i++ {
		_ = tl.Record(TimelineEntry{EntryType: EntryTypeAction, ThreadID: "need-1", Summary: "admitted"})
	}
	_ = tl.Record(TimelineEntry{EntryType: EntryTypeEscalation, ThreadID: "need-1", Summary: "digest divergence"})

	esc := EntryTypeEscalation
	got := tl.Query(TimelineQuery{ThreadID: "need-1", EntryType: &esc})
	if len(got) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(got))
	}

	limited := tl.Query(TimelineQuery{ThreadID: "need-1", Limit: 3})
	if len(limited) != 3 {
		t.Fatalf("expected limit 3, got %d", len(limited))
	}
}

func TestTimelineTimeRangeFilter(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tl := NewAuditTimeline()
	for i := 0; i < 4; i++ {
		_ = tl.Record(TimelineEntry{
			EntryType: EntryTypeAction,
			ThreadID:  "need-1",
			Summary:   "tick",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}

	after := base.Add(30 * time.Minute)
	before := base.Add(150 * time.Minute)
	got := tl.Query(TimelineQuery{ThreadID: "need-1", After: &after, Before: &before})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries in range, got %d", len(got))
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Error("results not in timestamp order")
	}
}

func TestTimelineContentHashDiffersWithSummary(t *testing.T) {
	tl := NewAuditTimeline()
	_ = tl.Record(TimelineEntry{EntryType: EntryTypeProof, ThreadID: "a", Summary: "one"})
	_ = tl.Record(TimelineEntry{EntryType: EntryTypeProof, ThreadID: "a", Summary: "two"})

	got := tl.Query(TimelineQuery{ThreadID: "a"})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ContentHash == got[1].ContentHash {
		t.Error("distinct summaries should hash differently")
	}
	if tl.Count() != 2 {
		t.Errorf("Count = %d, want 2", tl.Count())
	}
}
