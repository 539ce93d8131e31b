// Package planlog implements the append-only, conflict-free replicated
// plan log: typed facts, the derived task graph, and
// the deterministic merge rules that let every node converge on the same
// view from any interleaving of gossip.
//
// Storage and hash-chaining live in pkg/ledgerlog; this package
// adds the fact schema, derived graph, and merge semantics a plain
// append-only log doesn't have on its own.
package planlog

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates the plan log's closed fact-kind set.
type Kind string

const (
	KindAddTask    Kind = "ADD_TASK"
	KindLink       Kind = "LINK"
	KindAnnotate   Kind = "ANNOTATE"
	KindState      Kind = "STATE"
	KindDecide     Kind = "DECIDE"
	KindFinalize   Kind = "FINALIZE"
	KindInvalidate Kind = "INVALIDATE"
	KindReconcile  Kind = "RECONCILE"
	KindCheckpoint Kind = "CHECKPOINT"
)

// TaskState is the monotone chain DRAFT -> DECIDED -> VERIFIED -> FINAL.
// Its integer value gives the total order merge uses for "max over the
// ordered chain".
type TaskState int

const (
	StateDraft TaskState = iota
	StateDecided
	StateVerified
	StateFinal
)

func (s TaskState) String() string {
	switch s {
	case StateDraft:
		return "DRAFT"
	case StateDecided:
		return "DECIDED"
	case StateVerified:
		return "VERIFIED"
	case StateFinal:
		return "FINAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ParseTaskState maps a wire string back to TaskState.
func ParseTaskState(s string) (TaskState, error) {
	switch s {
	case "DRAFT":
		return StateDraft, nil
	case "DECIDED":
		return StateDecided, nil
	case "VERIFIED":
		return StateVerified, nil
	case "FINAL":
		return StateFinal, nil
	default:
		return 0, fmt.Errorf("planlog: unknown task state %q", s)
	}
}

// MarshalJSON encodes TaskState as its wire name, not its integer value,
// so STATE facts travel as {"state": "DECIDED"} over the bus.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes either the wire name or a raw integer.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseTaskState(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("planlog: invalid task state: %s", data)
	}
	*s = TaskState(n)
	return nil
}

// AddTask describes ADD_TASK(T, type, requires[], produces[]).
type AddTask struct {
	TaskID   string   `json:"task_id"`
	Type     string   `json:"type"`
	Requires []string `json:"requires"`
	Produces []string `json:"produces"`
}

// Link describes LINK(parent, child): a grow-only edge in the derived task graph.
type Link struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// Annotate describes ANNOTATE(T, key, val), an LWW register keyed by
// (lamport, actor_id).
type Annotate struct {
	TaskID  string      `json:"task_id"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
	Lamport uint64      `json:"lamport"`
	ActorID string      `json:"actor_id"`
}

// State describes STATE(T, s).
type State struct {
	TaskID string    `json:"task_id"`
	State  TaskState `json:"state"`
}

// Decide describes DECIDE(need_id, proposal_id, epoch); the effective
// DECIDE for a need_id is the one with the maximum (epoch, lamport,
// proposer_id) lexicographic key.
type Decide struct {
	NeedID     string `json:"need_id"`
	ProposalID string `json:"proposal_id"`
	Epoch      uint64 `json:"epoch"`
	Lamport    uint64 `json:"lamport"`
	ProposerID string `json:"proposer_id"`
}

// Key returns the (epoch, lamport, proposer_id) tie-break key.
func (d Decide) Key() (uint64, uint64, string) {
	return d.Epoch, d.Lamport, d.ProposerID
}

// Less reports whether d sorts strictly before other under the
// lexicographic (epoch, lamport, proposer_id) ordering.
func (d Decide) Less(other Decide) bool {
	if d.Epoch != other.Epoch {
		return d.Epoch < other.Epoch
	}
	if d.Lamport != other.Lamport {
		return d.Lamport < other.Lamport
	}
	return d.ProposerID < other.ProposerID
}

// Finalize describes FINALIZE(task_id).
type Finalize struct {
	TaskID string `json:"task_id"`
}

// Invalidate describes INVALIDATE(task_id).
type Invalidate struct {
	TaskID string `json:"task_id"`
}

// Reconcile describes RECONCILE(thread, summary), appended after an epoch
// tie-break heals a partition.
type Reconcile struct {
	Thread  string `json:"thread"`
	Summary string `json:"summary"`
}

// Checkpoint describes CHECKPOINT(epoch, merkle_root).
type Checkpoint struct {
	Epoch      uint64 `json:"epoch"`
	MerkleRoot string `json:"merkle_root"`
}
