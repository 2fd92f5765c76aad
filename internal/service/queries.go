package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iago/dispatch-sla-back/internal/domain"
	"github.com/iago/dispatch-sla-back/internal/repository"
)

// JobQueryService serves the read side of the operator dashboard: job lists,
// job detail with attempt history, breach and escalation queries, and the
// contractor roster.
type JobQueryService struct {
	store repository.Store
}

func NewJobQueryService(store repository.Store) *JobQueryService {
	return &JobQueryService{store: store}
}

// JobDetail aggregates everything the operator detail view needs. Escalation
// is derived from the attempt history at read time.
type JobDetail struct {
	Job        *domain.Job
	Attempts   []domain.Attempt
	Assignment *domain.Assignment
	Notes      []domain.Note
	Audit      []domain.AuditRecord
	Escalation domain.EscalationState
}

func (s *JobQueryService) GetJobDetail(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttemptsByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	notes, err := s.store.ListNotesByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	audit, err := s.store.ListAuditByTarget(ctx, "job", jobID)
	if err != nil {
		return nil, fmt.Errorf("load audit: %w", err)
	}

	assignment, err := s.store.GetAssignment(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("load assignment: %w", err)
		}
		assignment = nil
	}

	return &JobDetail{
		Job:        job,
		Attempts:   attempts,
		Assignment: assignment,
		Notes:      notes,
		Audit:      audit,
		Escalation: domain.ComputeEscalation(job, attempts),
	}, nil
}

func (s *JobQueryService) ListJobs(
	ctx context.Context,
	filter domain.JobListFilter,
) ([]domain.JobListItem, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// ListBreaches returns jobs holding a pending attempt past its deadline.
func (s *JobQueryService) ListBreaches(ctx context.Context, page, pageSize int) ([]domain.JobListItem, int, error) {
	return s.store.ListJobs(ctx, domain.JobListFilter{
		BreachedOnly: true,
		Page:         page,
		PageSize:     pageSize,
	})
}

// ListEscalations returns jobs whose attempt history derives as escalated.
func (s *JobQueryService) ListEscalations(ctx context.Context, page, pageSize int) ([]domain.JobListItem, int, error) {
	return s.store.ListJobs(ctx, domain.JobListFilter{
		EscalatedOnly: true,
		Page:          page,
		PageSize:      pageSize,
	})
}

func (s *JobQueryService) ListNotes(ctx context.Context, jobID string) ([]domain.Note, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListNotesByJob(ctx, jobID)
}

func (s *JobQueryService) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	return s.store.ListActiveWorkers(ctx)
}

func (s *JobQueryService) CreateWorker(ctx context.Context, name, phone string, rating float64) (*domain.Worker, error) {
	worker := &domain.Worker{
		ID:        uuid.NewString(),
		Name:      name,
		Phone:     phone,
		Rating:    rating,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	return worker, nil
}
