package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/iago/dispatch-sla-back/internal/domain"
	"github.com/iago/dispatch-sla-back/internal/notify"
	"github.com/iago/dispatch-sla-back/internal/repository"
)

type OverrideAction string

const (
	OverrideResolve         OverrideAction = "resolve"
	OverrideReassign        OverrideAction = "reassign"
	OverrideCancel          OverrideAction = "cancel"
	OverrideEscalateFurther OverrideAction = "escalate_further"
)

// OverrideRequest is an operator-issued command on a job.
type OverrideRequest struct {
	JobID      string
	OperatorID string
	Action     OverrideAction
	WorkerID   string
	Note       string
}

// Gateway applies operator overrides and manual dispatches under the same
// invariants as the automated flow. Every branch appends an audit record and
// an operator note inside the same transaction as the state mutation.
type Gateway struct {
	engine   *Engine
	store    repository.Store
	notifier notify.Notifier
	logger   *log.Logger
}

func NewGateway(engine *Engine, store repository.Store, notifier notify.Notifier, logger *log.Logger) *Gateway {
	return &Gateway{
		engine:   engine,
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Apply routes an override to its handler. Validation failures surface before
// any mutation; a failure partway rolls the whole override back.
func (g *Gateway) Apply(ctx context.Context, req OverrideRequest) error {
	switch req.Action {
	case OverrideResolve:
		return g.resolveJob(ctx, req)
	case OverrideReassign:
		return g.reassign(ctx, req)
	case OverrideCancel:
		return g.cancelJob(ctx, req)
	case OverrideEscalateFurther:
		return g.escalateFurther(ctx, req)
	default:
		return domain.NewStateError("unknown override action %q", req.Action)
	}
}

// resolveJob closes the job as completed, cancelling any pending attempt.
func (g *Gateway) resolveJob(ctx context.Context, req OverrideRequest) error {
	return g.closeJob(ctx, req, domain.JobStatusCompleted, "override_resolve")
}

// cancelJob closes the job as cancelled, cancelling any pending attempt.
func (g *Gateway) cancelJob(ctx context.Context, req OverrideRequest) error {
	return g.closeJob(ctx, req, domain.JobStatusCancelled, "override_cancel")
}

func (g *Gateway) closeJob(ctx context.Context, req OverrideRequest, final domain.JobStatus, action string) error {
	actor := OperatorActor(req.OperatorID)
	var cancelled []string
	err := g.store.InTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJobForUpdate(ctx, req.JobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return domain.NewStateError("job %s is already %s", job.ID, job.Status)
		}

		cancelled, err = g.engine.cancelPendingTx(ctx, tx, req.JobID, string(req.Action), actor)
		if err != nil {
			return err
		}

		prevStatus := job.Status
		job.Status = final
		job.Escalated = false
		job.UpdatedAt = g.engine.clock.Now()
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}

		if err := g.engine.appendAudit(ctx, tx, actor, "job", job.ID, action, string(prevStatus), string(final), req.Note); err != nil {
			return err
		}
		return g.addNoteTx(ctx, tx, req, fmt.Sprintf("%s via operator override", final))
	})
	if err != nil {
		return asDependencyFailure("close job", err)
	}

	g.engine.afterCancel(cancelled)
	g.engine.notifyStatus(ctx, req.JobID, final)
	return nil
}

// reassign forces the job onto a specific contractor in one transaction:
// pending attempts are cancelled, a manual attempt with elevated rank is
// opened, and the assignment is upserted with operator attribution.
func (g *Gateway) reassign(ctx context.Context, req OverrideRequest) error {
	if strings.TrimSpace(req.WorkerID) == "" {
		return domain.NewStateError("reassign requires a worker id")
	}

	actor := OperatorActor(req.OperatorID)
	var (
		cancelled []string
		attempt   *domain.Attempt
	)
	err := g.store.InTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJobForUpdate(ctx, req.JobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return domain.NewStateError("job %s is %s and cannot be reassigned", job.ID, job.Status)
		}

		cancelled, err = g.engine.cancelPendingTx(ctx, tx, req.JobID, "superseded by reassignment", actor)
		if err != nil {
			return err
		}

		attempts, err := tx.ListAttemptsByJob(ctx, req.JobID)
		if err != nil {
			return err
		}
		attempt, err = g.engine.openAttemptTx(ctx, tx, job, attempts, req.WorkerID, g.engine.cfg.ResponseDeadline, OpenOptions{
			Manual:     true,
			RankWeight: g.engine.cfg.ManualRankWeight,
			Actor:      actor,
		})
		if err != nil {
			return err
		}

		assignment := &domain.Assignment{
			JobID:      job.ID,
			WorkerID:   req.WorkerID,
			AssignedBy: req.OperatorID,
			IsManual:   true,
			AssignedAt: g.engine.clock.Now(),
		}
		if err := tx.UpsertAssignment(ctx, assignment); err != nil {
			return err
		}

		return g.addNoteTx(ctx, tx, req, fmt.Sprintf("reassigned to worker %s", req.WorkerID))
	})
	if err != nil {
		return asDependencyFailure("reassign", err)
	}

	g.engine.afterCancel(cancelled)
	g.engine.afterOpen(ctx, attempt)
	return nil
}

// escalateFurther records the action and notifies the higher operator tier.
// The job status does not change.
func (g *Gateway) escalateFurther(ctx context.Context, req OverrideRequest) error {
	actor := OperatorActor(req.OperatorID)
	err := g.store.InTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJob(ctx, req.JobID)
		if err != nil {
			return err
		}
		if err := g.engine.appendAudit(ctx, tx, actor, "job", job.ID, "override_escalate_further", string(job.Status), string(job.Status), req.Note); err != nil {
			return err
		}
		return g.addNoteTx(ctx, tx, req, "escalated to next operator tier")
	})
	if err != nil {
		return asDependencyFailure("escalate further", err)
	}

	if g.notifier != nil {
		if notifyErr := g.notifier.NotifyOperatorTier(ctx, req.JobID, req.OperatorID, req.Note); notifyErr != nil {
			g.logf("operator tier notification failed job_id=%s err=%v", req.JobID, notifyErr)
		}
	}
	return nil
}

// ManualDispatch sends a dispatchable job to a chosen contractor. Only draft
// and dispatching jobs qualify; anything else is rejected before mutation.
func (g *Gateway) ManualDispatch(ctx context.Context, jobID, operatorID, workerID, note string) (*domain.Attempt, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, domain.NewStateError("manual dispatch requires a worker id")
	}

	actor := OperatorActor(operatorID)
	var (
		cancelled []string
		attempt   *domain.Attempt
	)
	err := g.store.InTx(ctx, func(tx repository.Store) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.IsDispatchable() {
			return domain.NewStateError("job cannot be dispatched in current status %s", job.Status)
		}

		cancelled, err = g.engine.cancelPendingTx(ctx, tx, jobID, "superseded by manual dispatch", actor)
		if err != nil {
			return err
		}

		attempts, err := tx.ListAttemptsByJob(ctx, jobID)
		if err != nil {
			return err
		}
		attempt, err = g.engine.openAttemptTx(ctx, tx, job, attempts, workerID, g.engine.cfg.ResponseDeadline, OpenOptions{
			Manual:     true,
			RankWeight: g.engine.cfg.ManualRankWeight,
			Actor:      actor,
		})
		if err != nil {
			return err
		}

		assignment := &domain.Assignment{
			JobID:      jobID,
			WorkerID:   workerID,
			AssignedBy: operatorID,
			IsManual:   true,
			AssignedAt: g.engine.clock.Now(),
		}
		if err := tx.UpsertAssignment(ctx, assignment); err != nil {
			return err
		}

		if note != "" {
			return g.addNoteTx(ctx, tx, OverrideRequest{JobID: jobID, OperatorID: operatorID, Note: note}, "")
		}
		return nil
	})
	if err != nil {
		return nil, asDependencyFailure("manual dispatch", err)
	}

	g.engine.afterCancel(cancelled)
	g.engine.afterOpen(ctx, attempt)
	return attempt, nil
}

// AddNote appends a free-text operator annotation to the job.
func (g *Gateway) AddNote(ctx context.Context, jobID, operatorID, body string) (*domain.Note, error) {
	if strings.TrimSpace(body) == "" {
		return nil, domain.NewStateError("note body is required")
	}
	if _, err := g.store.GetJob(ctx, jobID); err != nil {
		return nil, asDependencyFailure("add note", err)
	}

	note := &domain.Note{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Author:    operatorID,
		Body:      body,
		CreatedAt: g.engine.clock.Now(),
	}
	if err := g.store.AddNote(ctx, note); err != nil {
		return nil, asDependencyFailure("add note", err)
	}
	return note, nil
}

func (g *Gateway) addNoteTx(ctx context.Context, tx repository.Store, req OverrideRequest, fallback string) error {
	body := strings.TrimSpace(req.Note)
	if body == "" {
		body = fallback
	}
	if body == "" {
		return nil
	}
	return tx.AddNote(ctx, &domain.Note{
		ID:        uuid.NewString(),
		JobID:     req.JobID,
		Author:    req.OperatorID,
		Body:      body,
		CreatedAt: g.engine.clock.Now(),
	})
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
