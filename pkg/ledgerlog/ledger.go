// Package ledgerlog is the hash-chained, append-only record underneath
// the plan log: every accepted fact is appended in local receive order and
// chained to its predecessor, so a node can prove it observed a given
// prefix of facts. There are no deletions or in-place mutations; pruning
// happens by checkpoint, above this layer.
package ledgerlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/concordmesh/kernel/pkg/canonicalize"
)

// LedgerType names the fact kind a chained entry carries.
type LedgerType string

const (
	LedgerTypeAddTask    LedgerType = "ADD_TASK"
	LedgerTypeLink       LedgerType = "LINK"
	LedgerTypeAnnotate   LedgerType = "ANNOTATE"
	LedgerTypeState      LedgerType = "STATE"
	LedgerTypeDecide     LedgerType = "DECIDE"
	LedgerTypeFinalize   LedgerType = "FINALIZE"
	LedgerTypeInvalidate LedgerType = "INVALIDATE"
	LedgerTypeReconcile  LedgerType = "RECONCILE"
	LedgerTypeCheckpoint LedgerType = "CHECKPOINT"
)

// genesisHash seeds the chain before any entry exists.
const genesisHash = "genesis"

// LedgerEntry is one immutable, chained record.
type LedgerEntry struct {
	Sequence    uint64                 `json:"sequence"`
	EntryType   string                 `json:"entry_type"`
	ContentHash string                 `json:"content_hash"`
	PrevHash    string                 `json:"prev_hash"`
	Timestamp   time.Time              `json:"timestamp"`
	Author      string                 `json:"author,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// Ledger is an append-only hash chain over one node's local receive
// order. The chain hash covers sequence, type, payload, and predecessor,
// not the timestamp: receive wall-clock is advisory and two replicas
// replaying the same facts must converge on the same head.
type Ledger struct {
	mu         sync.RWMutex
	ledgerType LedgerType
	entries    []LedgerEntry
	headHash   string
	clock      func() time.Time
}

func NewLedger(lt LedgerType) *Ledger {
	return &Ledger{
		ledgerType: lt,
		headHash:   genesisHash,
		clock:      time.Now,
	}
}

// WithClock substitutes the time source for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// hashEntry computes the chain hash of an entry from its immutable parts.
func hashEntry(seq uint64, entryType string, data map[string]interface{}, prevHash string) (string, error) {
	canonical, err := canonicalize.JCS(struct {
		Seq      uint64                 `json:"seq"`
		Type     string                 `json:"type"`
		Data     map[string]interface{} `json:"data"`
		PrevHash string                 `json:"prev"`
	}{seq, entryType, data, prevHash})
	if err != nil {
		return "", fmt.Errorf("ledgerlog: canonicalize entry %d: %w", seq, err)
	}
	return "sha256:" + canonicalize.HashBytes(canonical), nil
}

// Append chains a new entry onto the head and returns its sequence.
func (l *Ledger) Append(entryType, author string, data map[string]interface{}) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	contentHash, err := hashEntry(seq, entryType, data, l.headHash)
	if err != nil {
		return 0, err
	}

	l.entries = append(l.entries, LedgerEntry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
		Timestamp:   l.clock(),
		Author:      author,
		Data:        data,
	})
	l.headHash = contentHash
	return seq, nil
}

// Get returns the entry at seq (1-based).
func (l *Ledger) Get(seq uint64) (*LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("ledgerlog: entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Head returns the current chain head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length reports the number of chained entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify rewalks the whole chain, recomputing every link. It returns
// false with the first discrepancy found.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := genesisHash
	for i, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := hashEntry(entry.Sequence, entry.EntryType, entry.Data, entry.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("entry %d unhashable: %v", i+1, err)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}

// Type reports which fact kind this chain records.
func (l *Ledger) Type() LedgerType {
	return l.ledgerType
}
