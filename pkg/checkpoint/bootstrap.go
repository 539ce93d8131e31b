package checkpoint

import (
	"context"
	"fmt"

	"github.com/concordmesh/kernel/pkg/envelope"
)

// StableCheckpoint is what a newcomer fetches to bootstrap: the epoch,
// its Merkle root, and the attesting verifier signatures that make it
// stable.
type StableCheckpoint struct {
	Epoch      uint64
	MerkleRoot string
	Attestors  []string
}

// Source is the collaborator a newcomer fetches the latest stable
// checkpoint from, typically another peer reached over the bus, or a
// dedicated checkpoint-serving endpoint. It is a narrow seam so tests can
// supply an in-memory fake without standing up a real peer.
type Source interface {
	LatestStableCheckpoint(ctx context.Context) (StableCheckpoint, error)
}

// VerifyRoot compares computedRoot, which the caller computes over its
// fetched state, to cp.MerkleRoot,
// step (2) of the bootstrap sequence ("verifying the Merkle root").
func VerifyRoot(cp StableCheckpoint, computedRoot string) error {
	if computedRoot != cp.MerkleRoot {
		return fmt.Errorf("checkpoint: computed root %q does not match checkpoint root %q for epoch %d", computedRoot, cp.MerkleRoot, cp.Epoch)
	}
	return nil
}

// Bootstrap performs the three-step newcomer bootstrap sequence:
// (1) fetch the latest stable checkpoint, (2) verify its Merkle
// root against the caller-supplied local computation, (3) subscribe to
// fresh envelopes from epoch+1 onward. It returns the verified checkpoint
// and the verb filter (empty = all verbs) the caller should pass to its
// bus.Subscribe to pick up exactly the post-checkpoint stream.
func Bootstrap(ctx context.Context, src Source, computeRoot func(StableCheckpoint) (string, error)) (StableCheckpoint, []envelope.Verb, error) {
	cp, err := src.LatestStableCheckpoint(ctx)
	if err != nil {
		return StableCheckpoint{}, nil, fmt.Errorf("checkpoint: fetch latest stable checkpoint: %w", err)
	}

	computed, err := computeRoot(cp)
	if err != nil {
		return StableCheckpoint{}, nil, fmt.Errorf("checkpoint: recompute root: %w", err)
	}
	if err := VerifyRoot(cp, computed); err != nil {
		return StableCheckpoint{}, nil, err
	}

	// Subscribing to every verb is correct here: the seam this returns is
	// "what to subscribe to"; the protocol only constrains the starting
	// point (epoch+1), not a verb subset.
	return cp, nil, nil
}

// NextEpoch is the epoch boundary a newcomer's fresh subscription should
// start from: strictly after the verified checkpoint's epoch.
func NextEpoch(cp StableCheckpoint) uint64 {
	return cp.Epoch + 1
}
