package retry

import (
	"time"
)

// RetryPlanRef is a precomputed, shareable retry schedule. Publishing the
// plan alongside a task lets verifiers check that an agent's retries
// followed the declared policy rather than hammering the slot.
type RetryPlanRef struct {
	RetryPlanID string          `json:"retry_plan_id"`
	TaskID      string          `json:"task_id"`
	PolicyID    string          `json:"policy_id"`
	Schedule    []RetrySchedule `json:"schedule"`
	MaxAttempts int             `json:"max_attempts"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RetrySchedule is one planned attempt.
type RetrySchedule struct {
	AttemptIndex int       `json:"attempt_index"`
	DelayMs      int64     `json:"delay_ms"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// GenerateRetryPlan lays out every attempt up front. Attempt 0 fires
// immediately; each later attempt waits its backoff after the previous
// one. The plan expires an hour past the final attempt.
func GenerateRetryPlan(params BackoffParams, policy BackoffPolicy, now time.Time) (*RetryPlanRef, error) {
	schedule := make([]RetrySchedule, policy.MaxAttempts)
	at := now
	for i := range schedule {
		var delay time.Duration
		if i > 0 {
			attempt := params
			attempt.AttemptIndex = i
			delay = ComputeBackoff(attempt, policy)
		}
		at = at.Add(delay)
		schedule[i] = RetrySchedule{
			AttemptIndex: i,
			DelayMs:      delay.Milliseconds(),
			ScheduledAt:  at,
		}
	}

	return &RetryPlanRef{
		RetryPlanID: "plan_" + params.TaskID,
		TaskID:      params.TaskID,
		PolicyID:    policy.PolicyID,
		Schedule:    schedule,
		MaxAttempts: policy.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   at.Add(time.Hour),
	}, nil
}
