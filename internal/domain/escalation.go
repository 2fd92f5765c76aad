package domain

import "time"

// EscalationState is derived from attempt history, never persisted. A job is
// escalated when at least two attempts resolved without acceptance, no attempt
// was accepted, and the job is not terminal. A still-pending attempt means the
// job is mid-dispatch, not awaiting operator attention, so it suppresses the
// escalated state entirely.
type EscalationState struct {
	Escalated bool
	Step      int
	Reason    string
}

const escalationThreshold = 2

// ComputeEscalation derives the escalation state for a job from its full
// attempt history.
func ComputeEscalation(job *Job, attempts []Attempt) EscalationState {
	if job == nil || job.Status.IsTerminal() {
		return EscalationState{}
	}

	resolved := 0
	reason := ""
	var lastResolved time.Time
	for _, attempt := range attempts {
		if attempt.Status == AttemptStatusAccepted {
			return EscalationState{}
		}
		if attempt.Status == AttemptStatusPending {
			return EscalationState{}
		}
		if !attempt.Status.IsResolved() {
			continue
		}
		resolved++
		if attempt.ResolvedAt != nil && !attempt.ResolvedAt.Before(lastResolved) {
			lastResolved = *attempt.ResolvedAt
			reason = attempt.DeclineReason
			if reason == "" {
				reason = string(attempt.Status)
			}
		}
	}

	if resolved < escalationThreshold {
		return EscalationState{}
	}
	return EscalationState{
		Escalated: true,
		Step:      len(attempts),
		Reason:    reason,
	}
}

// PendingAttempt returns the single pending attempt in the history, if any.
func PendingAttempt(attempts []Attempt) *Attempt {
	for i := range attempts {
		if attempts[i].Status == AttemptStatusPending {
			return &attempts[i]
		}
	}
	return nil
}

// AttemptedWorkers collects the worker ids already offered this job, in any
// attempt status. The escalation policy never re-offers a job to these.
func AttemptedWorkers(attempts []Attempt) map[string]bool {
	workers := make(map[string]bool, len(attempts))
	for _, attempt := range attempts {
		workers[attempt.WorkerID] = true
	}
	return workers
}
