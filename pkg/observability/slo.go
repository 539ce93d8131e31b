package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget is one objective over a kernel operation, e.g. "99% of
// FINALIZEs land within 1.5x the challenge window over 24h".
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // in [0,1]
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is one latency/outcome sample for an operation.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus is the computed compliance of one operation inside its window.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker accumulates observations per operation and evaluates them
// against targets on demand.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock substitutes the time source for tests.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget installs or replaces the objective for target.Operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record appends one observation, stamping it now if unstamped.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	t.observations[obs.Operation] = append(t.observations[obs.Operation], obs)
}

// Status evaluates the operation's target over its trailing window. With
// no samples in the window the operation is vacuously compliant.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no SLO target for %q", operation)
	}

	cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(cutoff) {
			windowed = append(windowed, obs)
		}
	}

	status := &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		ObservationCount: len(windowed),
	}
	if len(windowed) == 0 {
		status.InCompliance = true
		status.ErrorBudgetLeft = 100
		return status, nil
	}

	successes := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successes++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	sort.Float64s(latencies)

	idx := int(float64(len(latencies)) * 0.99)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	status.CurrentP99 = latencies[idx]
	status.CurrentSuccess = float64(successes) / float64(len(windowed))
	status.InCompliance = status.CurrentP99 <= float64(target.LatencyP99.Milliseconds()) &&
		status.CurrentSuccess >= target.SuccessRate

	errorBudget := 1 - target.SuccessRate
	errorRate := 1 - status.CurrentSuccess
	if errorBudget > 0 {
		status.BurnRate = errorRate / errorBudget
		status.ErrorBudgetLeft = 100 * (1 - status.BurnRate)
		if status.ErrorBudgetLeft < 0 {
			status.ErrorBudgetLeft = 0
		}
	}
	return status, nil
}

// Operations lists every operation with a configured target.
func (t *SLOTracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
