package dispatch

import "github.com/iago/dispatch-sla-back/internal/domain"

type DecisionKind string

const (
	// DecisionOpenNextAttempt re-dispatches automatically to NextWorkerID.
	DecisionOpenNextAttempt DecisionKind = "open_next_attempt"
	// DecisionSurfaceToOperator stops automatic re-dispatch; the job waits in
	// the operator queue until an override occurs.
	DecisionSurfaceToOperator DecisionKind = "surface_to_operator"
)

type Decision struct {
	Kind         DecisionKind
	NextWorkerID string
}

// Decide maps a job's attempt history and the ordered candidate list to the
// next escalation action. Pure: no clock, no store, no side effects.
//
// Candidates are consumed strictly in provider order, and a contractor who
// already holds an attempt for the job (any status) is never retried
// automatically.
func Decide(job *domain.Job, history []domain.Attempt, candidateIDs []string, maxAutoAttempts int) Decision {
	if job == nil || job.Status.IsTerminal() {
		return Decision{Kind: DecisionSurfaceToOperator}
	}
	if domain.PendingAttempt(history) != nil {
		return Decision{Kind: DecisionSurfaceToOperator}
	}
	if len(history) >= maxAutoAttempts {
		return Decision{Kind: DecisionSurfaceToOperator}
	}

	attempted := domain.AttemptedWorkers(history)
	for _, workerID := range candidateIDs {
		if attempted[workerID] {
			continue
		}
		return Decision{Kind: DecisionOpenNextAttempt, NextWorkerID: workerID}
	}
	return Decision{Kind: DecisionSurfaceToOperator}
}
