package repository

import (
	"context"
	"time"

	"github.com/iago/dispatch-sla-back/internal/domain"
)

// Store abstracts persistence for jobs, attempts, assignments, notes, audit
// records, and the contractor roster.
//
// CompareAndSetAttemptStatus is the single synchronization primitive for
// attempt resolution: it applies the new status only when the current status
// matches the expected one and reports whether this writer won. Concurrent
// resolution paths (worker response, deadline fire, operator cancel) all go
// through it, so exactly one terminal status is ever persisted per attempt.
//
// GetJobForUpdate is the synchronization primitive for attempt opening: it
// loads the job while taking a write lock that lasts until the enclosing
// transaction ends. Every path that may open an attempt locks the job first,
// so two concurrent opens serialize instead of both observing an attempt
// history without a pending entry.
//
// InTx runs fn against a transaction-bound Store; any error rolls back every
// mutation made inside fn.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobForUpdate(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	ListJobs(ctx context.Context, filter domain.JobListFilter) ([]domain.JobListItem, int, error)
	ListStalledJobs(ctx context.Context) ([]domain.Job, error)

	CreateAttempt(ctx context.Context, attempt *domain.Attempt) error
	GetAttempt(ctx context.Context, attemptID string) (*domain.Attempt, error)
	ListAttemptsByJob(ctx context.Context, jobID string) ([]domain.Attempt, error)
	CompareAndSetAttemptStatus(
		ctx context.Context,
		attemptID string,
		expected, next domain.AttemptStatus,
		resolution domain.AttemptResolution,
	) (bool, error)
	ListPendingAttempts(ctx context.Context) ([]domain.Attempt, error)
	ListExpiredPendingAttempts(ctx context.Context, now time.Time) ([]domain.Attempt, error)

	UpsertAssignment(ctx context.Context, assignment *domain.Assignment) error
	GetAssignment(ctx context.Context, jobID string) (*domain.Assignment, error)

	AddNote(ctx context.Context, note *domain.Note) error
	ListNotesByJob(ctx context.Context, jobID string) ([]domain.Note, error)

	AppendAudit(ctx context.Context, record *domain.AuditRecord) error
	ListAuditByTarget(ctx context.Context, targetType, targetID string) ([]domain.AuditRecord, error)

	CreateWorker(ctx context.Context, worker *domain.Worker) error
	GetWorker(ctx context.Context, workerID string) (*domain.Worker, error)
	ListActiveWorkers(ctx context.Context) ([]domain.Worker, error)
}
