package planlog

import "sort"

// annotationRecord is the LWW register value plus its winning key.
type annotationRecord struct {
	Annotate
}

// DerivedState is the materialized view recomputed on every applied fact:
// tasks, edges, annotations, states, decisions, and terminal markers:
// the derived graph.
type DerivedState struct {
	Tasks       map[string]AddTask
	Edges       map[string]map[string]bool // parent -> set of children
	Annotations map[string]map[string]annotationRecord
	States      map[string]TaskState
	Decisions   map[string]Decide // need_id -> effective decide
	Orphaned    map[string][]Decide
	Finalized   map[string]bool
	Invalidated map[string]bool
	Checkpoints []Checkpoint
}

func newDerivedState() *DerivedState {
	return &DerivedState{
		Tasks:       make(map[string]AddTask),
		Edges:       make(map[string]map[string]bool),
		Annotations: make(map[string]map[string]annotationRecord),
		States:      make(map[string]TaskState),
		Decisions:   make(map[string]Decide),
		Orphaned:    make(map[string][]Decide),
		Finalized:   make(map[string]bool),
		Invalidated: make(map[string]bool),
	}
}

// hasPath reports whether to is reachable from from over existing edges
// (used to reject a LINK that would introduce a cycle).
func (s *DerivedState) hasPath(from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		if n == to {
			return true
		}
		for child := range s.Edges[n] {
			if !visited[child] {
				stack = append(stack, child)
			}
		}
	}
	return false
}

func (s *DerivedState) applyAddTask(f AddTask) {
	s.Tasks[f.TaskID] = f
}

// applyLink adds the edge, rejecting it (no-op) if it would close a cycle:
// child must not already reach parent.
func (s *DerivedState) applyLink(f Link) bool {
	if s.hasPath(f.Child, f.Parent) {
		return false
	}
	if s.Edges[f.Parent] == nil {
		s.Edges[f.Parent] = make(map[string]bool)
	}
	s.Edges[f.Parent][f.Child] = true
	return true
}

// applyAnnotate merges an ANNOTATE fact as an LWW register keyed by
// (lamport, actor_id): greater key wins, ties keep the existing value.
func (s *DerivedState) applyAnnotate(f Annotate) {
	byKey, ok := s.Annotations[f.TaskID]
	if !ok {
		byKey = make(map[string]annotationRecord)
		s.Annotations[f.TaskID] = byKey
	}
	existing, ok := byKey[f.Key]
	if !ok || lwwWins(f, existing.Annotate) {
		byKey[f.Key] = annotationRecord{Annotate: f}
	}
}

func lwwWins(candidate, existing Annotate) bool {
	if candidate.Lamport != existing.Lamport {
		return candidate.Lamport > existing.Lamport
	}
	return candidate.ActorID > existing.ActorID
}

// applyState merges a STATE fact as max over the ordered chain; a fact
// describing an earlier state than already recorded is a no-op.
func (s *DerivedState) applyState(f State) {
	if cur, ok := s.States[f.TaskID]; !ok || f.State > cur {
		s.States[f.TaskID] = f.State
	}
}

// applyDecide keeps the max (epoch, lamport, proposer_id) DECIDE per
// need_id; a losing DECIDE is recorded as orphaned_by_epoch.
func (s *DerivedState) applyDecide(f Decide) {
	cur, ok := s.Decisions[f.NeedID]
	if !ok || cur.Less(f) {
		if ok {
			s.Orphaned[f.NeedID] = append(s.Orphaned[f.NeedID], cur)
		}
		s.Decisions[f.NeedID] = f
		return
	}
	if f.Less(cur) {
		s.Orphaned[f.NeedID] = append(s.Orphaned[f.NeedID], f)
	}
	// Equal keys (same epoch/lamport/proposer_id) are the same DECIDE
	// observed twice; nothing to do.
}

func (s *DerivedState) applyFinalize(f Finalize)     { s.Finalized[f.TaskID] = true }
func (s *DerivedState) applyInvalidate(f Invalidate) { s.Invalidated[f.TaskID] = true }
func (s *DerivedState) applyCheckpoint(f Checkpoint) {
	s.Checkpoints = append(s.Checkpoints, f)
	sort.Slice(s.Checkpoints, func(i, j int) bool { return s.Checkpoints[i].Epoch < s.Checkpoints[j].Epoch })
}

// LatestCheckpoint returns the highest-epoch checkpoint, if any.
func (s *DerivedState) LatestCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// Children returns the sorted child task IDs of parent.
func (s *DerivedState) Children(parent string) []string {
	children := make([]string, 0, len(s.Edges[parent]))
	for c := range s.Edges[parent] {
		children = append(children, c)
	}
	sort.Strings(children)
	return children
}
