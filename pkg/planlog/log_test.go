package planlog_test

import (
	"testing"

	"github.com/concordmesh/kernel/pkg/planlog"
	"github.com/stretchr/testify/require"
)

func TestApply_AddTaskAndLink(t *testing.T) {
	l := planlog.New()

	ok, err := l.Apply("f1", planlog.KindAddTask, "node-a", planlog.AddTask{TaskID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Apply("f2", planlog.KindAddTask, "node-a", planlog.AddTask{TaskID: "t2"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Apply("f3", planlog.KindLink, "node-a", planlog.Link{Parent: "t1", Child: "t2"})
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []string{"t2"}, l.State().Children("t1"))
}

func TestApply_LinkCycleRejected(t *testing.T) {
	l := planlog.New()
	_, err := l.Apply("f1", planlog.KindLink, "node-a", planlog.Link{Parent: "t1", Child: "t2"})
	require.NoError(t, err)

	ok, err := l.Apply("f2", planlog.KindLink, "node-a", planlog.Link{Parent: "t2", Child: "t1"})
	require.NoError(t, err)
	require.False(t, ok, "t2->t1 would close a cycle with the existing t1->t2 edge")
}

func TestApply_DedupByFactID(t *testing.T) {
	l := planlog.New()
	_, err := l.Apply("f1", planlog.KindAddTask, "node-a", planlog.AddTask{TaskID: "t1"})
	require.NoError(t, err)

	ok, err := l.Apply("f1", planlog.KindAddTask, "node-a", planlog.AddTask{TaskID: "t1"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, l.State().Tasks, 1)
}

func TestApply_AnnotateLWWByLamportThenActor(t *testing.T) {
	l := planlog.New()
	_, err := l.Apply("f1", planlog.KindAnnotate, "node-a", planlog.Annotate{
		TaskID: "t1", Key: "priority", Value: "low", Lamport: 1, ActorID: "z",
	})
	require.NoError(t, err)

	_, err = l.Apply("f2", planlog.KindAnnotate, "node-b", planlog.Annotate{
		TaskID: "t1", Key: "priority", Value: "high", Lamport: 5, ActorID: "a",
	})
	require.NoError(t, err)

	rec := l.State().Annotations["t1"]["priority"]
	require.Equal(t, "high", rec.Value)

	// A stale, lower-lamport annotation must not overwrite.
	_, err = l.Apply("f3", planlog.KindAnnotate, "node-c", planlog.Annotate{
		TaskID: "t1", Key: "priority", Value: "stale", Lamport: 2, ActorID: "z",
	})
	require.NoError(t, err)
	require.Equal(t, "high", l.State().Annotations["t1"]["priority"].Value)
}

func TestApply_StateMonotone(t *testing.T) {
	l := planlog.New()
	_, err := l.Apply("f1", planlog.KindState, "node-a", planlog.State{TaskID: "t1", State: planlog.StateVerified})
	require.NoError(t, err)

	_, err = l.Apply("f2", planlog.KindState, "node-a", planlog.State{TaskID: "t1", State: planlog.StateDraft})
	require.NoError(t, err)

	require.Equal(t, planlog.StateVerified, l.State().States["t1"])
}

func TestApply_DecideMaxEpochLamportProposer(t *testing.T) {
	l := planlog.New()
	_, err := l.Apply("f1", planlog.KindDecide, "node-a", planlog.Decide{
		NeedID: "n1", ProposalID: "p1", Epoch: 1, Lamport: 10, ProposerID: "a",
	})
	require.NoError(t, err)

	_, err = l.Apply("f2", planlog.KindDecide, "node-b", planlog.Decide{
		NeedID: "n1", ProposalID: "p2", Epoch: 2, Lamport: 1, ProposerID: "b",
	})
	require.NoError(t, err)

	effective := l.State().Decisions["n1"]
	require.Equal(t, "p2", effective.ProposalID)
	require.Len(t, l.State().Orphaned["n1"], 1)
	require.Equal(t, "p1", l.State().Orphaned["n1"][0].ProposalID)
}

func TestMerge_ConvergesRegardlessOfOrder(t *testing.T) {
	a := planlog.New()
	b := planlog.New()

	facts := []struct {
		id      string
		kind    planlog.Kind
		payload interface{}
	}{
		{"f1", planlog.KindAddTask, planlog.AddTask{TaskID: "t1"}},
		{"f2", planlog.KindAnnotate, planlog.Annotate{TaskID: "t1", Key: "k", Value: "v1", Lamport: 1, ActorID: "a"}},
		{"f3", planlog.KindAnnotate, planlog.Annotate{TaskID: "t1", Key: "k", Value: "v2", Lamport: 2, ActorID: "a"}},
	}

	for _, f := range facts {
		_, err := a.Apply(f.id, f.kind, "node-a", f.payload)
		require.NoError(t, err)
	}
	// Apply to b in reverse order.
	for i := len(facts) - 1; i >= 0; i-- {
		f := facts[i]
		_, err := b.Apply(f.id, f.kind, "node-a", f.payload)
		require.NoError(t, err)
	}

	require.Equal(t, a.State().Annotations["t1"]["k"].Value, b.State().Annotations["t1"]["k"].Value)
	require.Equal(t, "v2", a.State().Annotations["t1"]["k"].Value)
}

func TestMerge_PullsRemoteFactsByID(t *testing.T) {
	a := planlog.New()
	b := planlog.New()

	_, err := a.Apply("f1", planlog.KindAddTask, "node-a", planlog.AddTask{TaskID: "t1"})
	require.NoError(t, err)
	_, err = a.Apply("f2", planlog.KindAddTask, "node-a", planlog.AddTask{TaskID: "t2"})
	require.NoError(t, err)

	require.NoError(t, b.Merge(a))
	require.Len(t, b.State().Tasks, 2)

	// Merging again is a no-op (dedup by fact id).
	require.NoError(t, b.Merge(a))
	require.Len(t, b.State().Tasks, 2)
}
