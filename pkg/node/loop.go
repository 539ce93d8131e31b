package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/concordmesh/kernel/pkg/envelope"
	"github.com/concordmesh/kernel/pkg/observability"
)

// Handler runs after an admitted envelope has been applied to local state,
// for caller-side effects (logging, executing claimed work).
type Handler func(ctx context.Context, env envelope.Envelope)

// Run subscribes to every verb and dispatches admitted envelopes to a
// fixed-size worker pool. Each worker takes one envelope at a time
// through ingress verification, the policy gate, Observe and the handler,
// so a handler's CAS fetches or ledger mutations do not serialize every
// envelope behind a single goroutine.
// Every admitted envelope is applied to this node's own derived state via
// Observe before the caller's handler sees it, and a periodic sweep
// scavenges leases whose deadline passed without a heartbeat. Run blocks
// until ctx is cancelled.
func (n *Node) Run(ctx context.Context, workers int, handle Handler) error {
	if workers <= 0 {
		workers = 4
	}
	ch, err := n.Bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	sweepEvery := n.cfg.HeartbeatInterval
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	jobs := make(chan envelope.Envelope, workers*4)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for env := range jobs {
				n.ingestOne(ctx, env, handle)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil
		case <-sweep.C:
			n.ScavengeExpiredLeases(ctx, time.Now())
		case env, ok := <-ch:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}
			jobs <- env
		}
	}
}

func (n *Node) ingestOne(ctx context.Context, env envelope.Envelope, handle Handler) {
	ok, reason, err := n.Ingress(ctx, env)
	if err != nil {
		n.log.Error("ingress error", slog.String("envelope_id", env.ID), slog.String("error", err.Error()))
		n.recordAudit(observability.EntryTypeEscalation, env, "ingress error: "+err.Error())
		return
	}
	if !ok {
		n.log.Warn("envelope rejected at ingress", slog.String("envelope_id", env.ID), slog.String("verb", string(env.Verb)), slog.String("reason", reason))
		n.recordAudit(observability.EntryTypeAction, env, "rejected at ingress: "+reason)
		return
	}
	n.recordAudit(observability.EntryTypeAction, env, "admitted "+string(env.Verb))
	if err := n.Observe(ctx, env); err != nil {
		n.log.Error("observe error", slog.String("envelope_id", env.ID), slog.String("verb", string(env.Verb)), slog.String("error", err.Error()))
		n.recordAudit(observability.EntryTypeEscalation, env, "observe error: "+err.Error())
		return
	}
	if handle != nil {
		handle(ctx, env)
	}
}
