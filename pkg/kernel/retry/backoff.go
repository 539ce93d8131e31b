// Package retry computes deterministic exponential backoff. Jitter is a
// PRF over the caller's identity and attempt, not a random draw: every
// node replaying the same history derives the same schedule, so retry
// timing can be audited and never diverges between replicas.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one retry attempt. PlanLogHeadHash folds the
// caller's current view into the jitter so two agents retrying the same
// task from different histories spread apart.
type BackoffParams struct {
	PolicyID        string
	AgentID         string
	TaskID          string
	AttemptIndex    int
	PlanLogHeadHash string
}

// BackoffPolicy bounds a retry series.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// ComputeBackoff returns base·2^attempt capped at MaxMs, plus
// deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		shift := params.AttemptIndex
		if shift > 30 {
			shift = 30
		}
		factor = 1 << shift
	}
	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+jitterFor(params, policy)) * time.Millisecond
}

// jitterFor draws from U(0, MaxJitterMs) via SHA-256 over the attempt
// identity.
func jitterFor(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%s:%d:%s",
		params.PolicyID, params.AgentID, params.TaskID,
		params.AttemptIndex, params.PlanLogHeadHash)
	digest := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(digest[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs checked positive
}
