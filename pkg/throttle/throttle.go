// Package throttle bounds per-agent verb traffic. Bid storms are the
// failure mode: a popular NEED can draw PROPOSE/CLAIM floods that starve
// the ingress queue, so each (agent, verb) pair gets its own token bucket
// and the bucket is consulted before policy evaluation spends any gas.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled marks a deny caused by rate limiting rather than policy.
var ErrThrottled = errors.New("throttle: rate limit exceeded")

// Policy is a refill/burst pair for one verb.
type Policy struct {
	PerMinute int
	Burst     int
}

// Store tracks token buckets per key. Implementations must be safe for
// concurrent use.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// Gate applies per-verb policies to incoming envelopes. Verbs without a
// policy pass untouched.
type Gate struct {
	store    Store
	policies map[string]Policy
}

// NewGate builds a gate over store. policies maps verb names (e.g.
// "PROPOSE") to their budgets.
func NewGate(store Store, policies map[string]Policy) *Gate {
	return &Gate{store: store, policies: policies}
}

// Admit charges one token for agentID sending verb. Returns ErrThrottled
// when the bucket is dry, nil when the verb is unpoliced or allowed.
func (g *Gate) Admit(ctx context.Context, agentID, verb string) error {
	if g == nil {
		return nil
	}
	policy, policed := g.policies[verb]
	if !policed {
		return nil
	}
	allowed, err := g.store.Allow(ctx, agentID+":"+verb, policy, 1)
	if err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s from %s", ErrThrottled, verb, agentID)
	}
	return nil
}

// MemoryStore keeps buckets in process memory, one x/time/rate limiter
// per key. Right for single-node deployments and tests; a mesh ingress
// shared across replicas uses RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	bucket, ok := s.buckets[key]
	if !ok {
		perSec := float64(policy.PerMinute) / 60
		if perSec <= 0 {
			perSec = 1
		}
		bucket = rate.NewLimiter(rate.Limit(perSec), policy.Burst)
		s.buckets[key] = bucket
	}
	s.mu.Unlock()
	return bucket.AllowN(time.Now(), cost), nil
}
