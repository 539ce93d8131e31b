package ledger_test

import (
	"testing"

	"github.com/concordmesh/kernel/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func TestMint_RequiresAuthorizedMinter(t *testing.T) {
	l := ledger.New("minter-1")
	require.ErrorIs(t, l.Mint("rogue", "alice", 100), ledger.ErrUnauthorizedMint)

	require.NoError(t, l.Mint("minter-1", "alice", 100))
	acct, err := l.Account("alice")
	require.NoError(t, err)
	require.Equal(t, uint64(100), acct.Balance)
}

func TestTransfer_InsufficientBalanceFails(t *testing.T) {
	l := ledger.New("minter-1")
	require.NoError(t, l.Mint("minter-1", "alice", 50))
	require.ErrorIs(t, l.Transfer("alice", "bob", 100), ledger.ErrInsufficientBalance)

	acct, _ := l.Account("alice")
	require.Equal(t, uint64(50), acct.Balance, "failed transfer must not partially mutate")
}

func TestEscrow_OpenAndRelease(t *testing.T) {
	l := ledger.New("minter-1")
	require.NoError(t, l.Mint("minter-1", "alice", 100))

	require.NoError(t, l.OpenEscrow("task-1", "alice", 40))
	acct, _ := l.Account("alice")
	require.Equal(t, uint64(60), acct.Balance)

	require.NoError(t, l.ReleaseEscrow("task-1", "bob"))
	bob, err := l.Account("bob")
	require.NoError(t, err)
	require.Equal(t, uint64(40), bob.Balance)
}

func TestEscrow_DoubleReleaseRejected(t *testing.T) {
	l := ledger.New("minter-1")
	require.NoError(t, l.Mint("minter-1", "alice", 100))
	require.NoError(t, l.OpenEscrow("task-1", "alice", 40))
	require.NoError(t, l.ReleaseEscrow("task-1", "bob"))

	err := l.ReleaseEscrow("task-1", "bob")
	require.ErrorIs(t, err, ledger.ErrEscrowNotLocked)

	bob, _ := l.Account("bob")
	require.Equal(t, uint64(40), bob.Balance, "double release must not double-credit")
}

func TestEscrow_SplitReleaseConservesAmount(t *testing.T) {
	l := ledger.New("minter-1")
	require.NoError(t, l.Mint("minter-1", "alice", 100))
	require.NoError(t, l.OpenEscrow("task-1", "alice", 100))

	err := l.ReleaseEscrowSplit("task-1", map[string]uint64{"challenger": 50, "honest": 30}, 20)
	require.NoError(t, err)

	challenger, _ := l.Account("challenger")
	honest, _ := l.Account("honest")
	require.Equal(t, uint64(50), challenger.Balance)
	require.Equal(t, uint64(30), honest.Balance)

	err = l.ReleaseEscrowSplit("task-1", map[string]uint64{"challenger": 1}, 0)
	require.ErrorIs(t, err, ledger.ErrEscrowNotLocked)
}

func TestSlash_UnknownAccountRejected(t *testing.T) {
	l := ledger.New("minter-1")
	require.NoError(t, l.Mint("minter-1", "verifier-1", 0))
	_, err := l.Slash("unknown", 0.5)
	require.ErrorIs(t, err, ledger.ErrUnknownAccount)
}
