//go:build property
// +build property

package planlog_test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/concordmesh/kernel/pkg/planlog"
)

// factSpec is a planlog.Apply call minus its id, which the property
// derives deterministically from the element's index so two permutations
// of the same multiset dedup identically.
type factSpec struct {
	Kind    planlog.Kind
	Author  string
	TaskID  string
	Epoch   uint64
	Lamport uint64
}

func applyAll(l *planlog.Log, specs []factSpec) {
	for i, s := range specs {
		id := fmt.Sprintf("fact-%d-%s-%d-%d", i, s.TaskID, s.Epoch, s.Lamport)
		switch s.Kind {
		case planlog.KindAddTask:
			_, _ = l.Apply(id, planlog.KindAddTask, s.Author, planlog.AddTask{TaskID: s.TaskID})
		case planlog.KindDecide:
			_, _ = l.Apply(id, planlog.KindDecide, s.Author, planlog.Decide{
				NeedID: s.TaskID, ProposalID: s.Author, Epoch: s.Epoch, Lamport: s.Lamport, ProposerID: s.Author,
			})
		case planlog.KindState:
			_, _ = l.Apply(id, planlog.KindState, s.Author, planlog.State{TaskID: s.TaskID, State: planlog.StateDecided})
		}
	}
}

func genFactSpec() gopter.Gen {
	return gen.Struct(reflect.TypeOf(factSpec{}), map[string]gopter.Gen{
		"Kind":    gen.OneConstOf(planlog.KindAddTask, planlog.KindDecide, planlog.KindState),
		"Author":  gen.OneConstOf("verifier-a", "verifier-b", "verifier-c"),
		"TaskID":  gen.OneConstOf("need-1", "need-2"),
		"Epoch":   gen.UInt64Range(0, 3),
		"Lamport": gen.UInt64Range(0, 10),
	})
}

// TestMergeConvergence: two nodes that apply the
// same multiset of facts in different orders converge on an equal
// derived view, since every merge rule (grow-only add, LWW, max-key
// DECIDE, max-chain STATE) is commutative and idempotent by construction.
func TestMergeConvergence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("plan log merge is order-independent", prop.ForAll(
		func(specs []factSpec) bool {
			forward := planlog.New()
			applyAll(forward, specs)

			reversed := planlog.New()
			rev := make([]factSpec, len(specs))
			for i, s := range specs {
				rev[len(specs)-1-i] = s
			}
			applyAll(reversed, rev)

			return reflect.DeepEqual(forward.State().Decisions, reversed.State().Decisions) &&
				reflect.DeepEqual(forward.State().States, reversed.State().States) &&
				reflect.DeepEqual(forward.State().Tasks, reversed.State().Tasks)
		},
		gen.SliceOf(genFactSpec()),
	))

	properties.TestingRun(t)
}

// TestDecideTieBreakDeterministic: for any two DECIDEs on
// the same need_id, the same (epoch, lamport, proposer_id) key always
// elects the same winner regardless of application order.
func TestDecideTieBreakDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("DECIDE winner is order-independent", prop.ForAll(
		func(e1, l1, e2, l2 uint64) bool {
			a := planlog.Decide{NeedID: "n1", ProposalID: "pa", Epoch: e1, Lamport: l1, ProposerID: "a"}
			b := planlog.Decide{NeedID: "n1", ProposalID: "pb", Epoch: e2, Lamport: l2, ProposerID: "b"}

			log1 := planlog.New()
			_, _ = log1.Apply("d-a", planlog.KindDecide, "a", a)
			_, _ = log1.Apply("d-b", planlog.KindDecide, "b", b)

			log2 := planlog.New()
			_, _ = log2.Apply("d-b", planlog.KindDecide, "b", b)
			_, _ = log2.Apply("d-a", planlog.KindDecide, "a", a)

			return log1.State().Decisions["n1"] == log2.State().Decisions["n1"]
		},
		gen.UInt64Range(0, 5), gen.UInt64Range(0, 5), gen.UInt64Range(0, 5), gen.UInt64Range(0, 5),
	))

	properties.TestingRun(t)
}
