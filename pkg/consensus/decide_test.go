package consensus_test

import (
	"testing"

	"github.com/concordmesh/kernel/pkg/consensus"
	"github.com/concordmesh/kernel/pkg/planlog"
	"github.com/stretchr/testify/require"
)

func TestAttestationTracker_ReachesQuorumOnce(t *testing.T) {
	tr := consensus.NewAttestationTracker(3)

	_, reached := tr.RecordAttestPlan("n1", "p1", "v1")
	require.False(t, reached)
	_, reached = tr.RecordAttestPlan("n1", "p1", "v2")
	require.False(t, reached)
	count, reached := tr.RecordAttestPlan("n1", "p1", "v3")
	require.Equal(t, 3, count)
	require.True(t, reached)

	// A further vote must not re-report reached.
	_, reached = tr.RecordAttestPlan("n1", "p1", "v4")
	require.False(t, reached)
}

func TestAttestationTracker_DuplicateVerifierDoesNotDoubleCount(t *testing.T) {
	tr := consensus.NewAttestationTracker(2)
	count, _ := tr.RecordAttestPlan("n1", "p1", "v1")
	require.Equal(t, 1, count)
	count, _ = tr.RecordAttestPlan("n1", "p1", "v1")
	require.Equal(t, 1, count)
}

func TestWinner_HigherEpochWins(t *testing.T) {
	a := planlog.Decide{NeedID: "n1", ProposalID: "p1", Epoch: 1, Lamport: 99, ProposerID: "z"}
	b := planlog.Decide{NeedID: "n1", ProposalID: "p2", Epoch: 2, Lamport: 0, ProposerID: "a"}
	require.Equal(t, b, consensus.Winner(a, b))
	require.Equal(t, b, consensus.Winner(b, a))
}
