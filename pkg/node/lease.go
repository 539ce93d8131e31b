package node

import (
	"context"
	"fmt"
	"time"

	"github.com/concordmesh/kernel/pkg/envelope"
	"github.com/concordmesh/kernel/pkg/observability"
)

// Heartbeat renews this node's lease on taskID for another ttl and
// publishes the renewal so peers mirroring the lease push their scavenge
// deadline out too.
func (n *Node) Heartbeat(ctx context.Context, taskID string, ttl time.Duration) (envelope.Envelope, error) {
	if ttl <= 0 {
		ttl = n.cfg.LeaseTTL
	}
	if _, err := n.Negotiation.Heartbeat(ctx, taskID, n.AgentID, ttl); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: heartbeat: %w", err)
	}
	return n.publish(ctx, envelope.VerbHeartbeat, taskID, "", nil, map[string]interface{}{
		"lease_ttl_ms": ttl.Milliseconds(),
	})
}

// Yield gives the lease back voluntarily, returning the task to DECIDED
// for another claimant.
func (n *Node) Yield(ctx context.Context, taskID string) (envelope.Envelope, error) {
	return n.releaseLease(ctx, envelope.VerbYield, taskID)
}

// Release frees the lease on cancellation; cancelled work emits RELEASE
// rather than silently letting its lease run out.
func (n *Node) Release(ctx context.Context, taskID string) (envelope.Envelope, error) {
	return n.releaseLease(ctx, envelope.VerbRelease, taskID)
}

func (n *Node) releaseLease(ctx context.Context, verb envelope.Verb, taskID string) (envelope.Envelope, error) {
	if err := n.Negotiation.Release(ctx, taskID, n.AgentID, n.Negotiation.EpochOf(taskID)); err != nil {
		return envelope.Envelope{}, fmt.Errorf("node: %s: %w", verb, err)
	}
	return n.publish(ctx, verb, taskID, "", nil, nil)
}

// ScavengeExpiredLeases sweeps the lease store and returns every LEASED
// task whose deadline passed without a heartbeat to DECIDED. Run calls
// this periodically; no envelope is published, since leases auto-expire
// on every node from the deadlines they each track.
func (n *Node) ScavengeExpiredLeases(ctx context.Context, now time.Time) []string {
	scavenged, err := n.Negotiation.ScavengeExpired(ctx, now)
	if err != nil {
		n.log.Error("lease scavenge sweep failed", "error", err.Error())
		return nil
	}
	for _, taskID := range scavenged {
		n.log.Info("lease scavenged", "task_id", taskID)
		if n.Audit != nil {
			_ = n.Audit.Record(observability.TimelineEntry{
				EntryType: observability.EntryTypeAction,
				ThreadID:  taskID,
				Actor:     n.AgentID,
				Summary:   "lease expired without heartbeat, task returned to DECIDED",
			})
		}
	}
	return scavenged
}
