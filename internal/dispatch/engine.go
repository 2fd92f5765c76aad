package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/iago/dispatch-sla-back/internal/candidates"
	"github.com/iago/dispatch-sla-back/internal/clock"
	"github.com/iago/dispatch-sla-back/internal/domain"
	"github.com/iago/dispatch-sla-back/internal/notify"
	"github.com/iago/dispatch-sla-back/internal/repository"
)

// Actor identifies who triggered a transition, for audit attribution.
type Actor struct {
	Type domain.ActorType
	ID   string
}

var SystemActor = Actor{Type: domain.ActorTypeSystem, ID: "system"}

func OperatorActor(operatorID string) Actor {
	return Actor{Type: domain.ActorTypeOperator, ID: operatorID}
}

func WorkerActor(workerID string) Actor {
	return Actor{Type: domain.ActorTypeWorker, ID: workerID}
}

// DeadlineScheduler registers and cancels response-deadline callbacks for
// pending attempts. Implemented by the Monitor.
type DeadlineScheduler interface {
	Schedule(attemptID string, deadline time.Time)
	CancelTimer(attemptID string)
}

type Config struct {
	ResponseDeadline time.Duration
	MaxAutoAttempts  int
	ManualRankWeight int
}

func (c *Config) applyDefaults() {
	if c.ResponseDeadline <= 0 {
		c.ResponseDeadline = 15 * time.Minute
	}
	if c.MaxAutoAttempts <= 0 {
		c.MaxAutoAttempts = 3
	}
	if c.ManualRankWeight <= 0 {
		c.ManualRankWeight = 100
	}
}

// Engine owns the one-pending-attempt-per-job invariant and every attempt
// resolution transition. All multi-row mutations run inside a single store
// transaction; notifications and timer registration happen after commit.
type Engine struct {
	store     repository.Store
	provider  candidates.Provider
	notifier  notify.Notifier
	clock     clock.Clock
	scheduler DeadlineScheduler
	logger    *log.Logger
	cfg       Config
}

func NewEngine(
	store repository.Store,
	provider candidates.Provider,
	notifier notify.Notifier,
	clk clock.Clock,
	logger *log.Logger,
	cfg Config,
) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:    store,
		provider: provider,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
	}
}

// SetScheduler binds the SLA monitor after construction; engine and monitor
// reference each other.
func (e *Engine) SetScheduler(scheduler DeadlineScheduler) {
	e.scheduler = scheduler
}

func (e *Engine) Config() Config {
	return e.cfg
}

// CreateJob registers a new job in draft status and immediately dispatches it
// to the first eligible contractor. A job with no eligible candidates stays in
// draft for the operator list.
func (e *Engine) CreateJob(ctx context.Context, customerID, serviceType, title string) (*domain.Job, error) {
	now := e.clock.Now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		CustomerID:  customerID,
		ServiceType: serviceType,
		Title:       title,
		Status:      domain.JobStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := e.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, SystemActor, "job", job.ID, "job_created", "", string(job.Status), "")
	})
	if err != nil {
		return nil, asDependencyFailure("create job", err)
	}

	if err := e.dispatchNext(ctx, job.ID); err != nil {
		e.logf("initial dispatch failed job_id=%s err=%v", job.ID, err)
	}
	return e.store.GetJob(ctx, job.ID)
}

type OpenOptions struct {
	Manual     bool
	RankWeight int
	Actor      Actor
}

// OpenAttempt offers the job to a contractor with a response deadline. Fails
// with ErrInvalidState when the job is terminal or already has a pending
// attempt, and with ErrNotFound when the job or worker is unknown.
func (e *Engine) OpenAttempt(
	ctx context.Context,
	jobID, workerID string,
	deadlineIn time.Duration,
	opts OpenOptions,
) (*domain.Attempt, error) {
	if deadlineIn <= 0 {
		deadlineIn = e.cfg.ResponseDeadline
	}
	if opts.Actor.Type == "" {
		opts.Actor = SystemActor
	}

	var attempt *domain.Attempt
	err := e.store.InTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		attempts, err := tx.ListAttemptsByJob(ctx, jobID)
		if err != nil {
			return err
		}
		attempt, err = e.openAttemptTx(ctx, tx, job, attempts, workerID, deadlineIn, opts)
		return err
	})
	if err != nil {
		return nil, asDependencyFailure("open attempt", err)
	}

	e.afterOpen(ctx, attempt)
	return attempt, nil
}

// openAttemptTx performs the transactional part of opening an attempt. The
// caller must have loaded the job with GetJobForUpdate in the same
// transaction, so the pending-attempt check below cannot race a concurrent
// open on the same job.
func (e *Engine) openAttemptTx(
	ctx context.Context,
	tx repository.Store,
	job *domain.Job,
	attempts []domain.Attempt,
	workerID string,
	deadlineIn time.Duration,
	opts OpenOptions,
) (*domain.Attempt, error) {
	if job.Status.IsTerminal() {
		return nil, domain.NewStateError("job %s is %s and cannot be dispatched", job.ID, job.Status)
	}
	if pending := domain.PendingAttempt(attempts); pending != nil {
		return nil, domain.NewStateError("job %s already has a pending attempt for worker %s", job.ID, pending.WorkerID)
	}

	worker, err := tx.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if !worker.Active {
		return nil, domain.NewStateError("worker %s is not active", workerID)
	}

	now := e.clock.Now()
	attempt := &domain.Attempt{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		WorkerID:   workerID,
		Sequence:   len(attempts) + 1,
		Status:     domain.AttemptStatusPending,
		Deadline:   now.Add(deadlineIn),
		OpenedAt:   now,
		IsManual:   opts.Manual,
		RankWeight: opts.RankWeight,
	}
	if err := tx.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	prevStatus := job.Status
	job.Status = domain.JobStatusDispatching
	job.Escalated = false
	job.UpdatedAt = now
	if err := tx.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	details := fmt.Sprintf("worker=%s sequence=%d deadline=%s", workerID, attempt.Sequence, attempt.Deadline.Format(time.RFC3339))
	if err := e.appendAudit(ctx, tx, opts.Actor, "attempt", attempt.ID, "attempt_opened", string(prevStatus), string(job.Status), details); err != nil {
		return nil, err
	}
	return attempt, nil
}

// afterOpen runs the post-commit side effects of a new attempt: deadline
// registration and the best-effort contractor notification.
func (e *Engine) afterOpen(ctx context.Context, attempt *domain.Attempt) {
	if e.scheduler != nil {
		e.scheduler.Schedule(attempt.ID, attempt.Deadline)
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyWorkerOffered(ctx, attempt.JobID, attempt.WorkerID, attempt.Deadline); err != nil {
			e.logf("worker notification failed attempt_id=%s err=%v", attempt.ID, err)
		}
	}
}

// ResolveAttempt records a contractor response. A race loss against the
// deadline (or a cancellation) returns ErrAlreadyResolved, which callers
// treat as a benign no-op.
func (e *Engine) ResolveAttempt(
	ctx context.Context,
	attemptID string,
	outcome domain.AttemptStatus,
	reason string,
	actor Actor,
) error {
	if outcome != domain.AttemptStatusAccepted && outcome != domain.AttemptStatusDeclined {
		return domain.NewStateError("outcome %s is not a valid worker response", outcome)
	}
	return e.resolve(ctx, attemptID, outcome, reason, actor)
}

// HandleDeadline is invoked by the SLA monitor when an attempt's response
// deadline elapses. A lost race means the attempt resolved through another
// path first; that is the expected benign case.
func (e *Engine) HandleDeadline(ctx context.Context, attemptID string) {
	err := e.resolve(ctx, attemptID, domain.AttemptStatusTimedOut, "timeout", SystemActor)
	if err != nil && !errors.Is(err, domain.ErrAlreadyResolved) {
		e.logf("deadline resolution failed attempt_id=%s err=%v", attemptID, err)
	}
}

func (e *Engine) resolve(
	ctx context.Context,
	attemptID string,
	outcome domain.AttemptStatus,
	reason string,
	actor Actor,
) error {
	var (
		attempt *domain.Attempt
		job     *domain.Job
	)
	err := e.store.InTx(ctx, func(tx repository.Store) error {
		var err error
		attempt, err = tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if actor.Type == domain.ActorTypeWorker && actor.ID != attempt.WorkerID {
			return domain.NewStateError("attempt %s is not addressed to worker %s", attemptID, actor.ID)
		}

		now := e.clock.Now()
		won, err := tx.CompareAndSetAttemptStatus(ctx, attemptID, domain.AttemptStatusPending, outcome, domain.AttemptResolution{
			ResolvedAt: now,
			Reason:     reason,
		})
		if err != nil {
			return err
		}
		if !won {
			return domain.ErrAlreadyResolved
		}

		job, err = tx.GetJob(ctx, attempt.JobID)
		if err != nil {
			return err
		}

		prevStatus := job.Status
		switch outcome {
		case domain.AttemptStatusAccepted:
			if err := e.applyAcceptanceTx(ctx, tx, job, attempt, now); err != nil {
				return err
			}
		default:
			job.UpdatedAt = now
			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}
		}

		details := reason
		if details == "" {
			details = string(outcome)
		}
		return e.appendAudit(ctx, tx, actor, "attempt", attemptID, "attempt_"+string(outcome), string(prevStatus), string(job.Status), details)
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			e.logf("attempt already resolved attempt_id=%s outcome=%s", attemptID, outcome)
		}
		return asDependencyFailure("resolve attempt", err)
	}

	if e.scheduler != nil {
		e.scheduler.CancelTimer(attemptID)
	}

	switch outcome {
	case domain.AttemptStatusAccepted:
		e.notifyStatus(ctx, job.ID, job.Status)
	case domain.AttemptStatusDeclined, domain.AttemptStatusTimedOut:
		e.evaluateEscalation(ctx, attempt.JobID)
	}
	return nil
}

// applyAcceptanceTx binds the contractor to the job. Operator-forced
// assignments keep their attribution when the matching manual attempt is
// accepted; anything else is recorded as a system assignment.
func (e *Engine) applyAcceptanceTx(
	ctx context.Context,
	tx repository.Store,
	job *domain.Job,
	attempt *domain.Attempt,
	now time.Time,
) error {
	keepExisting := false
	if attempt.IsManual {
		existing, err := tx.GetAssignment(ctx, job.ID)
		if err == nil && existing.WorkerID == attempt.WorkerID && existing.IsManual {
			keepExisting = true
		} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	if !keepExisting {
		assignment := &domain.Assignment{
			JobID:      job.ID,
			WorkerID:   attempt.WorkerID,
			AssignedBy: domain.AssignedBySystem,
			IsManual:   false,
			AssignedAt: now,
		}
		if err := tx.UpsertAssignment(ctx, assignment); err != nil {
			return err
		}
	}

	job.Status = domain.JobStatusAssigned
	job.AssignedWorkerID = attempt.WorkerID
	job.Escalated = false
	job.UpdatedAt = now
	return tx.UpdateJob(ctx, job)
}

// CancelPendingAttempts resolves every pending attempt for the job as
// cancelled. Idempotent: returns zero when nothing was pending.
func (e *Engine) CancelPendingAttempts(ctx context.Context, jobID, cause string, actor Actor) (int, error) {
	var cancelled []string
	err := e.store.InTx(ctx, func(tx repository.Store) error {
		var err error
		cancelled, err = e.cancelPendingTx(ctx, tx, jobID, cause, actor)
		return err
	})
	if err != nil {
		return 0, asDependencyFailure("cancel pending attempts", err)
	}
	e.afterCancel(cancelled)
	return len(cancelled), nil
}

func (e *Engine) cancelPendingTx(
	ctx context.Context,
	tx repository.Store,
	jobID, cause string,
	actor Actor,
) ([]string, error) {
	attempts, err := tx.ListAttemptsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	cancelled := make([]string, 0, 1)
	for _, attempt := range attempts {
		if attempt.Status != domain.AttemptStatusPending {
			continue
		}
		won, err := tx.CompareAndSetAttemptStatus(ctx, attempt.ID, domain.AttemptStatusPending, domain.AttemptStatusCancelled, domain.AttemptResolution{
			ResolvedAt: now,
			Reason:     cause,
		})
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		if err := e.appendAudit(ctx, tx, actor, "attempt", attempt.ID, "attempt_cancelled", string(domain.AttemptStatusPending), string(domain.AttemptStatusCancelled), cause); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, attempt.ID)
	}
	return cancelled, nil
}

func (e *Engine) afterCancel(attemptIDs []string) {
	if e.scheduler == nil {
		return
	}
	for _, attemptID := range attemptIDs {
		e.scheduler.CancelTimer(attemptID)
	}
}

// dispatchNext opens an attempt for the first eligible candidate not yet
// offered this job.
func (e *Engine) dispatchNext(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	attempts, err := e.store.ListAttemptsByJob(ctx, jobID)
	if err != nil {
		return err
	}

	candidateIDs, err := e.provider.GetCandidates(ctx, jobID)
	if err != nil {
		e.logf("candidate provider failed job_id=%s err=%v", jobID, err)
		candidateIDs = nil
	}

	decision := Decide(job, attempts, candidateIDs, e.cfg.MaxAutoAttempts)
	if decision.Kind != DecisionOpenNextAttempt {
		return e.surfaceToOperator(ctx, jobID, lastResolutionReason(attempts))
	}

	_, err = e.OpenAttempt(ctx, jobID, decision.NextWorkerID, e.cfg.ResponseDeadline, OpenOptions{Actor: SystemActor})
	return err
}

// evaluateEscalation runs the escalation policy after a declined or timed-out
// attempt. Failures here are logged only: the job is left without a pending
// attempt, which the monitor sweep detects and re-dispatches on its next tick.
func (e *Engine) evaluateEscalation(ctx context.Context, jobID string) {
	if err := e.dispatchNext(ctx, jobID); err != nil {
		e.logf("escalation dispatch failed job_id=%s err=%v", jobID, err)
	}
}

// RecoverDispatch re-runs the dispatch policy for a job left without a pending
// attempt, typically because a provider or store failure interrupted the
// post-resolution dispatch. Called by the monitor sweep for every stalled job.
func (e *Engine) RecoverDispatch(ctx context.Context, jobID string) error {
	return e.dispatchNext(ctx, jobID)
}

// surfaceToOperator marks the job escalated for the operator queue. The cached
// flag is a read optimization; list views re-derive it from attempt history.
func (e *Engine) surfaceToOperator(ctx context.Context, jobID, reason string) error {
	err := e.store.InTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() || job.Escalated {
			return nil
		}
		attempts, err := tx.ListAttemptsByJob(ctx, jobID)
		if err != nil {
			return err
		}
		state := domain.ComputeEscalation(job, attempts)
		if !state.Escalated {
			return nil
		}

		job.Escalated = true
		job.UpdatedAt = e.clock.Now()
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		details := fmt.Sprintf("step=%d reason=%s", state.Step, reason)
		return e.appendAudit(ctx, tx, SystemActor, "job", jobID, "job_escalated", string(job.Status), string(job.Status), details)
	})
	if err != nil {
		return asDependencyFailure("surface to operator", err)
	}
	return nil
}

// asDependencyFailure tags store and collaborator failures so HTTP callers map
// them to a dependency failure instead of a generic internal error. Domain
// errors pass through untouched.
func asDependencyFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrAlreadyResolved) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrDependencyFailure, op, err)
}

func (e *Engine) appendAudit(
	ctx context.Context,
	tx repository.Store,
	actor Actor,
	targetType, targetID, action, prevStatus, nextStatus, details string,
) error {
	return tx.AppendAudit(ctx, &domain.AuditRecord{
		ID:         uuid.NewString(),
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		TargetType: targetType,
		TargetID:   targetID,
		Action:     action,
		PrevStatus: prevStatus,
		NextStatus: nextStatus,
		Details:    details,
		CreatedAt:  e.clock.Now(),
	})
}

func (e *Engine) notifyStatus(ctx context.Context, jobID string, status domain.JobStatus) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyCustomerStatusChanged(ctx, jobID, status); err != nil {
		e.logf("customer notification failed job_id=%s err=%v", jobID, err)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func lastResolutionReason(attempts []domain.Attempt) string {
	reason := ""
	var latest time.Time
	for _, attempt := range attempts {
		if attempt.ResolvedAt == nil || attempt.ResolvedAt.Before(latest) {
			continue
		}
		latest = *attempt.ResolvedAt
		if attempt.DeclineReason != "" {
			reason = attempt.DeclineReason
		} else {
			reason = string(attempt.Status)
		}
	}
	return reason
}
