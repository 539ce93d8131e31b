package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TimelineEntryType categorizes audit entries by what kind of protocol
// event they record.
type TimelineEntryType string

const (
	EntryTypeAction         TimelineEntryType = "ACTION"         // envelope admitted/rejected, lease taken
	EntryTypeDecision       TimelineEntryType = "DECISION"       // DECIDE, FINALIZE
	EntryTypeProof          TimelineEntryType = "PROOF"          // challenge verdicts, attestation quorums
	EntryTypeReconciliation TimelineEntryType = "RECONCILIATION" // partition-heal merges
	EntryTypeEscalation     TimelineEntryType = "ESCALATION"     // integrity events surfaced to the operator
	EntryTypeCheckpoint     TimelineEntryType = "CHECKPOINT"     // stable checkpoints and pruning
)

// TimelineEntry is one auditable event, keyed to the envelope that caused
// it and the thread (NEED) it belongs to.
type TimelineEntry struct {
	EntryID     string                 `json:"entry_id"`
	EntryType   TimelineEntryType      `json:"entry_type"`
	EnvelopeID  string                 `json:"envelope_id,omitempty"`
	ThreadID    string                 `json:"thread_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Actor       string                 `json:"actor,omitempty"`
	Summary     string                 `json:"summary"`
	ContentHash string                 `json:"content_hash"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// TimelineQuery selects entries. Zero fields match everything; a set
// ThreadID uses the thread index.
type TimelineQuery struct {
	ThreadID   string             `json:"thread_id,omitempty"`
	EnvelopeID string             `json:"envelope_id,omitempty"`
	EntryType  *TimelineEntryType `json:"entry_type,omitempty"`
	After      *time.Time         `json:"after,omitempty"`
	Before     *time.Time         `json:"before,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// AuditTimeline is the node's replayable event history. Appends are cheap;
// queries sort on demand.
type AuditTimeline struct {
	mu       sync.RWMutex
	entries  []TimelineEntry
	byThread map[string][]int
	seq      int64
	clock    func() time.Time
}

func NewAuditTimeline() *AuditTimeline {
	return &AuditTimeline{
		byThread: make(map[string][]int),
		clock:    time.Now,
	}
}

// WithClock substitutes the time source for tests.
func (t *AuditTimeline) WithClock(clock func() time.Time) *AuditTimeline {
	t.clock = clock
	return t
}

// Record appends an entry, assigning a sequence ID and a content hash over
// its summary and details so a replayed timeline can be checked for
// tampering.
func (t *AuditTimeline) Record(entry TimelineEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	if entry.EntryID == "" {
		entry.EntryID = fmt.Sprintf("audit-%d", t.seq)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.clock()
	}

	hashable, err := json.Marshal(struct {
		Summary string                 `json:"summary"`
		Details map[string]interface{} `json:"details,omitempty"`
	}{entry.Summary, entry.Details})
	if err != nil {
		return fmt.Errorf("observability: hash audit entry: %w", err)
	}
	digest := sha256.Sum256(hashable)
	entry.ContentHash = "sha256:" + hex.EncodeToString(digest[:])

	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	if entry.ThreadID != "" {
		t.byThread[entry.ThreadID] = append(t.byThread[entry.ThreadID], idx)
	}
	return nil
}

// Query returns matching entries in timestamp order.
func (t *AuditTimeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.ThreadID != "" {
		for _, i := range t.byThread[q.ThreadID] {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = append(candidates, t.entries...)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.EnvelopeID != "" && e.EnvelopeID != q.EnvelopeID {
			continue
		}
		if q.EntryType != nil && e.EntryType != *q.EntryType {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Count reports the total number of recorded entries.
func (t *AuditTimeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
