package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/concordmesh/kernel/pkg/kernel/retry"
	"github.com/concordmesh/kernel/pkg/store/leasestore"
)

// ErrStaleEpoch is returned when a mutating verb carries an epoch lower
// than the task's current fencing epoch.
var ErrStaleEpoch = fmt.Errorf("negotiation: stale epoch")

// taskRecord tracks one task's negotiation state plus its fencing epoch.
type taskRecord struct {
	state State
	epoch uint64
}

// Machine drives every task's negotiation state machine for one node, and
// schedules CLAIM retries (bid-window backoff) deterministically.
type Machine struct {
	mu      sync.Mutex
	tasks   map[string]*taskRecord
	leases  leasestore.Store
	backoff retry.BackoffPolicy
}

// NewMachine returns a Machine backed by store for lease persistence.
func NewMachine(store leasestore.Store, backoff retry.BackoffPolicy) *Machine {
	return &Machine{
		tasks:   make(map[string]*taskRecord),
		leases:  store,
		backoff: backoff,
	}
}

// StateOf returns the current state of taskID (StateNeed if unseen).
func (m *Machine) StateOf(taskID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(taskID).state
}

// EpochOf returns taskID's current fencing epoch (0 if unseen), the value
// every subsequent mutating verb for that task must carry. Callers
// building COMMIT/ATTEST/FINALIZE/CHALLENGE envelopes fetch it here rather
// than assuming epoch 1, since a partition-healed DECIDE can leave a task
// fenced at any epoch >= 1.
func (m *Machine) EpochOf(taskID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(taskID).epoch
}

func (m *Machine) get(taskID string) *taskRecord {
	t, ok := m.tasks[taskID]
	if !ok {
		t = &taskRecord{state: StateNeed}
		m.tasks[taskID] = t
	}
	return t
}

// Transition validates the fencing epoch then advances taskID's state by
// event. epoch must be >= the task's currently recorded epoch; ratifying a
// DECIDE (EventAttestPlanQuorum) also sets the new epoch of record.
func (m *Machine) Transition(taskID string, epoch uint64, event Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.get(taskID)
	if epoch < t.epoch {
		return t.state, ErrStaleEpoch
	}

	next, err := Next(t.state, event)
	if err != nil {
		return t.state, err
	}
	t.state = next
	if epoch > t.epoch {
		t.epoch = epoch
	}
	return next, nil
}

// Claim attempts to acquire the task's lease for agentID and advances the
// state machine to LEASED on success. Lease persistence rides
// leasestore.Store.AcquireLease, which already implements SKIP LOCKED
// single-winner semantics.
func (m *Machine) Claim(ctx context.Context, taskID, agentID string, epoch uint64, leaseTTL time.Duration) (leasestore.Lease, error) {
	if _, err := m.leases.Get(ctx, taskID); err != nil {
		// First claimant for this task: seed the lease row. A concurrent
		// Create racing here is resolved by AcquireLease's ownership check
		// below, not by this Create succeeding.
		_ = m.leases.Create(ctx, leasestore.Lease{ID: taskID, TaskID: taskID})
	}
	lease, err := m.leases.AcquireLease(ctx, taskID, agentID, leaseTTL)
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("negotiation: claim failed: %w", err)
	}
	if _, err := m.Transition(taskID, epoch, EventClaim); err != nil {
		return leasestore.Lease{}, err
	}
	return lease, nil
}

// Heartbeat renews agentID's lease on taskID for another ttl. Renewal is
// only legal while the task is LEASED, and the lease store refuses to
// extend a live lease held by a different worker.
func (m *Machine) Heartbeat(ctx context.Context, taskID, agentID string, ttl time.Duration) (leasestore.Lease, error) {
	if state := m.StateOf(taskID); state != StateLeased {
		return leasestore.Lease{}, fmt.Errorf("negotiation: heartbeat on %s in state %s", taskID, state)
	}
	lease, err := m.leases.AcquireLease(ctx, taskID, agentID, ttl)
	if err != nil {
		return leasestore.Lease{}, fmt.Errorf("negotiation: heartbeat failed: %w", err)
	}
	if _, err := m.Transition(taskID, m.EpochOf(taskID), EventHeartbeat); err != nil {
		return leasestore.Lease{}, err
	}
	return lease, nil
}

// Release hands agentID's lease back voluntarily (YIELD/RELEASE): the
// hold is zeroed so the next CLAIM does not wait out the old deadline,
// and the task returns to DECIDED.
func (m *Machine) Release(ctx context.Context, taskID, agentID string, epoch uint64) error {
	if _, err := m.leases.AcquireLease(ctx, taskID, agentID, 0); err != nil {
		return fmt.Errorf("negotiation: release failed: %w", err)
	}
	_, err := m.Transition(taskID, epoch, EventYieldOrRelease)
	return err
}

// Scavenge transitions a LEASED task whose lease expired without a
// heartbeat back to DECIDED, freeing it for a new CLAIM.
func (m *Machine) Scavenge(taskID string, epoch uint64) (State, error) {
	return m.Transition(taskID, epoch, EventLeaseExpired)
}

// ScavengeExpired sweeps every persisted lease and scavenges the tasks
// whose deadline has passed while still LEASED. A lease exactly at its
// TTL is expired. Returns the scavenged task IDs.
func (m *Machine) ScavengeExpired(ctx context.Context, now time.Time) ([]string, error) {
	leases, err := m.leases.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list leases: %w", err)
	}
	var scavenged []string
	for _, lease := range leases {
		if lease.LeasedBy == "" || lease.LeasedUntil.After(now) {
			continue
		}
		if m.StateOf(lease.TaskID) != StateLeased {
			continue
		}
		if _, err := m.Scavenge(lease.TaskID, m.EpochOf(lease.TaskID)); err != nil {
			continue
		}
		scavenged = append(scavenged, lease.TaskID)
	}
	return scavenged, nil
}

// NextClaimRetryDelay schedules the next CLAIM attempt's backoff, drawn
// from U(0, base*2^attempt) to avoid herds, deterministic on (agentID,
// taskID, attempt, planLogHeadHash) so every node computes the same delay
// given the same inputs.
func (m *Machine) NextClaimRetryDelay(agentID, taskID string, attempt int, planLogHeadHash string) time.Duration {
	params := retry.BackoffParams{
		PolicyID:        m.backoff.PolicyID,
		AgentID:         agentID,
		TaskID:          taskID,
		AttemptIndex:    attempt,
		PlanLogHeadHash: planLogHeadHash,
	}
	ceiling := m.backoff
	ceiling.MaxJitterMs = 0
	bound := retry.ComputeBackoff(params, ceiling).Milliseconds()
	// With zero base and cap, ComputeBackoff returns only its deterministic
	// jitter, drawn from U(0, bound).
	return retry.ComputeBackoff(params, retry.BackoffPolicy{PolicyID: m.backoff.PolicyID, MaxJitterMs: bound})
}
