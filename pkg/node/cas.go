package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/concordmesh/kernel/pkg/artifacts"
	"github.com/concordmesh/kernel/pkg/kernel/retry"
)

// PublishArtifact stores data in the CAS and returns the printable ref a
// subsequent publish can carry in content_refs.
func (n *Node) PublishArtifact(ctx context.Context, data []byte) (string, error) {
	if n.CAS == nil {
		return "", fmt.Errorf("node: no artifact store attached")
	}
	ref, err := n.CAS.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("node: store artifact: %w", err)
	}
	return ref.String(), nil
}

// checkRefsReachable enforces the sender-side guarantee: a ref goes on the
// bus only when its bytes are already reachable through the sender's store.
func (n *Node) checkRefsReachable(ctx context.Context, refs []string) error {
	if len(refs) == 0 {
		return nil
	}
	if n.CAS == nil {
		return fmt.Errorf("node: cannot publish %d content refs without an artifact store", len(refs))
	}
	for _, raw := range refs {
		ref, err := artifacts.ParseRef(raw)
		if err != nil {
			return fmt.Errorf("node: %w", err)
		}
		ok, err := n.CAS.Has(ctx, ref)
		if err != nil {
			return fmt.Errorf("node: check ref %s: %w", ref, err)
		}
		if !ok {
			return fmt.Errorf("node: ref %s not reachable, refusing to publish", ref)
		}
	}
	return nil
}

// FetchArtifact resolves one of a received envelope's content refs,
// retrying misses with deterministic exponential backoff: gossip may
// deliver an envelope before its producer's blob has propagated. The miss
// blocks only this consumer; it never holds up plan-log ingestion.
func (n *Node) FetchArtifact(ctx context.Context, rawRef string) ([]byte, error) {
	if n.CAS == nil {
		return nil, fmt.Errorf("node: no artifact store attached")
	}
	ref, err := artifacts.ParseRef(rawRef)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	policy := retryPolicyFrom(n.cfg)
	policy.PolicyID = "cas-fetch"
	for attempt := 0; ; attempt++ {
		data, err := n.CAS.Get(ctx, ref)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, artifacts.ErrNotFound) || attempt+1 >= policy.MaxAttempts {
			return nil, fmt.Errorf("node: fetch %s: %w", ref, err)
		}
		delay := retry.ComputeBackoff(retry.BackoffParams{
			PolicyID:     policy.PolicyID,
			AgentID:      n.AgentID,
			TaskID:       ref.Hex(),
			AttemptIndex: attempt,
		}, policy)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}
