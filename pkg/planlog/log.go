package planlog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/concordmesh/kernel/pkg/ledgerlog"
)

// Log is a single node's view of the plan log: one append-only
// ledgerlog.Ledger holding every thread's facts plus the DerivedState recomputed
// incrementally as facts are applied.
type Log struct {
	mu     sync.Mutex
	ledger *ledgerlog.Ledger
	state  *DerivedState
	seen   map[string]bool // fact id -> applied, for merge dedup
}

// New returns an empty Log.
func New() *Log {
	return &Log{
		ledger: ledgerlog.NewLedger(ledgerlog.LedgerType("PLAN_LOG")),
		state:  newDerivedState(),
		seen:   make(map[string]bool),
	}
}

// State returns the current derived view. Callers must not mutate it.
func (l *Log) State() *DerivedState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Head returns the local hash-chain head.
func (l *Log) Head() string {
	return l.ledger.Head()
}

// Apply merges one fact into the log by its kind, identified by id (the
// originating envelope's id, which is what dedups replayed facts).
// Returns accepted=false with a nil error for a fact that is a no-op by
// merge rule (duplicate id, or a LINK that would close a cycle) rather
// than treating either as a failure.
func (l *Log) Apply(id string, kind Kind, author string, payload interface{}) (accepted bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen[id] {
		return false, nil
	}

	raw, err := toMap(payload)
	if err != nil {
		return false, fmt.Errorf("planlog: encode %s failed: %w", kind, err)
	}

	switch kind {
	case KindAddTask:
		var f AddTask
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		l.state.applyAddTask(f)
	case KindLink:
		var f Link
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		if !l.state.applyLink(f) {
			return false, nil
		}
	case KindAnnotate:
		var f Annotate
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		l.state.applyAnnotate(f)
	case KindState:
		var f State
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		l.state.applyState(f)
	case KindDecide:
		var f Decide
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		l.state.applyDecide(f)
	case KindFinalize:
		var f Finalize
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		l.state.applyFinalize(f)
	case KindInvalidate:
		var f Invalidate
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		l.state.applyInvalidate(f)
	case KindReconcile:
		// RECONCILE is recorded in the hash chain only; it has no derived
		// state of its own beyond the audit trail.
	case KindCheckpoint:
		var f Checkpoint
		if err := fromMap(raw, &f); err != nil {
			return false, err
		}
		l.state.applyCheckpoint(f)
	default:
		return false, fmt.Errorf("planlog: unknown fact kind %q", kind)
	}

	raw["_fact_id"] = id
	if _, err := l.ledger.Append(string(kind), author, raw); err != nil {
		return false, fmt.Errorf("planlog: ledger append failed: %w", err)
	}
	l.seen[id] = true
	return true, nil
}

// Merge applies every entry from other not yet seen locally, in other's
// local order. Tasks, annotations, states and the effective DECIDE merge
// by LWW/max-key/grow-only-set, so they converge whatever the replay
// order; LINK cycle rejection depends on which edges were applied first,
// and Orphaned lists superseded DECIDEs in application order.
func (l *Log) Merge(other *Log) error {
	other.mu.Lock()
	entries := make([]ledgerlog.LedgerEntry, other.ledger.Length())
	for i := range entries {
		e, err := other.ledger.Get(uint64(i + 1))
		if err != nil {
			other.mu.Unlock()
			return err
		}
		entries[i] = *e
	}
	other.mu.Unlock()

	for _, e := range entries {
		id, _ := e.Data["_fact_id"].(string)
		if _, err := l.Apply(id, Kind(e.EntryType), e.Author, e.Data); err != nil {
			return err
		}
	}
	return nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
