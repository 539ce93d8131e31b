// Package observability instruments a coordination-kernel node with
// OpenTelemetry traces and metrics, an in-process SLO tracker, and a
// queryable audit timeline.
//
// Initialize once at startup and attach to the node:
//
//	provider, err := observability.New(ctx, observability.DefaultConfig())
//	defer provider.Shutdown(ctx)
//
//	slos := observability.NewSLOTracker()
//	slos.SetTarget(&observability.SLOTarget{
//		Operation:   "finalize",
//		LatencyP99:  90 * time.Second,
//		SuccessRate: 0.99,
//		WindowHours: 24,
//	})
//
// Handlers report through TrackOperation:
//
//	ctx, done := provider.TrackOperation(ctx, "node.publish", attrs...)
//	defer func() { done(err) }()
//
// The audit timeline records every admitted envelope, decision, proof, and
// escalation so an operator can replay a thread's history:
//
//	timeline.Query(observability.TimelineQuery{ThreadID: needID})
package observability
