package quorum_test

import (
	"testing"
	"time"

	"github.com/concordmesh/kernel/pkg/quorum"
	"github.com/stretchr/testify/require"
)

func TestResultTracker_FinalizeEligibleRequiresQuorumAndWindow(t *testing.T) {
	tr := quorum.NewResultTracker(2)
	commitAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.RecordCommit("t1", commitAt)
	tr.RecordAttestPass("t1", "v1")

	require.False(t, tr.FinalizeEligible("t1", commitAt.Add(time.Hour), time.Minute), "quorum not yet reached")

	tr.RecordAttestPass("t1", "v2")
	require.False(t, tr.FinalizeEligible("t1", commitAt, time.Minute), "challenge window not elapsed")
	require.True(t, tr.FinalizeEligible("t1", commitAt.Add(time.Hour), time.Minute))
}

func TestResultTracker_OpenChallengeBlocksFinalize(t *testing.T) {
	tr := quorum.NewResultTracker(1)
	commitAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.RecordCommit("t1", commitAt)
	tr.RecordAttestPass("t1", "v1")
	require.True(t, tr.OpenChallenge("t1", commitAt.Add(30*time.Second), time.Minute))

	require.False(t, tr.FinalizeEligible("t1", commitAt.Add(time.Hour), time.Minute))

	tr.ResolveChallenge("t1")
	require.True(t, tr.FinalizeEligible("t1", commitAt.Add(time.Hour), time.Minute))
}

func TestResultTracker_LateChallengeHasNoEffect(t *testing.T) {
	tr := quorum.NewResultTracker(1)
	commitAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	window := time.Minute
	tr.RecordCommit("t1", commitAt)
	tr.RecordAttestPass("t1", "v1")

	// One tick short of commit+T_challenge is still in window.
	require.True(t, tr.InChallengeWindow("t1", commitAt.Add(window-time.Nanosecond), window))
	// Exactly at commit+T_challenge is out.
	require.False(t, tr.InChallengeWindow("t1", commitAt.Add(window), window))

	require.False(t, tr.OpenChallenge("t1", commitAt.Add(window), window))
	require.True(t, tr.FinalizeEligible("t1", commitAt.Add(time.Hour), window),
		"late challenge must not block FINALIZE")
}

func TestResultTracker_ChallengeWithoutCommitHasNoEffect(t *testing.T) {
	tr := quorum.NewResultTracker(1)
	require.False(t, tr.OpenChallenge("never-committed", time.Now(), time.Minute))
}

func TestChallengeKind_IsValid(t *testing.T) {
	require.True(t, quorum.ChallengeSchemaViolation.IsValid())
	require.False(t, quorum.ChallengeKind("unknown_kind").IsValid())
}

func TestReallocationSplit_ConservesTotal(t *testing.T) {
	split := quorum.ReallocationSplit{Challenger: 0.5, Honest: 0.3, Burn: 0.2}
	challenger, honest, burn := split.Apply(1001)
	require.Equal(t, int64(1001), challenger+honest+burn)
	require.Equal(t, int64(500), challenger)
	require.Equal(t, int64(300), honest)
}
