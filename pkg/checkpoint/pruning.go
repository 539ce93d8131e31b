package checkpoint

import "github.com/concordmesh/kernel/pkg/ledgerlog"

// Prunable selects the ledgerlog entries that predate a stable checkpoint
// epoch and are therefore eligible for pruning from hot storage
// ("all pre-checkpoint operational facts MAY be pruned from hot
// storage (retained as Merkle proofs)"). entryEpoch extracts the epoch an
// entry belongs to (callers key facts to their containing epoch via the
// CHECKPOINT cadence, e.g. CheckpointEpochInterval facts per epoch);
// entries for which entryEpoch returns false (no known epoch, e.g. a
// RECONCILE audit fact) are never pruned.
func Prunable(entries []ledgerlog.LedgerEntry, stableEpoch uint64, entryEpoch func(ledgerlog.LedgerEntry) (uint64, bool)) []ledgerlog.LedgerEntry {
	out := make([]ledgerlog.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		epoch, ok := entryEpoch(e)
		if !ok {
			continue
		}
		if epoch < stableEpoch {
			out = append(out, e)
		}
	}
	return out
}

// ArtifactLiveness reports whether an artifact may be freed: no live
// (non-pruned) fact references its hash, and it was created in an epoch
// before the last stable checkpoint. These are the two conditions the artifact lifecycle
// section requires both hold before an artifact may be freed ("freed only
// after no live fact references them AND they predate the last stable
// CHECKPOINT").
func ArtifactLiveness(hash string, liveRefs map[string]bool, createdAtEpoch, stableEpoch uint64) (freeable bool) {
	if liveRefs[hash] {
		return false
	}
	return createdAtEpoch < stableEpoch
}
