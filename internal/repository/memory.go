package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/dispatch-sla-back/internal/domain"
)

// MemoryStore keeps all dispatch state in memory for local development and
// tests. A single mutex serializes transactions; InTx snapshots the maps and
// restores them when fn fails, so rollback semantics match the SQL store.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	jobs        map[string]*domain.Job
	attempts    map[string]*domain.Attempt
	assignments map[string]*domain.Assignment
	notes       map[string][]domain.Note
	audit       []domain.AuditRecord
	workers     map[string]*domain.Worker
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         func() time.Time { return time.Now().UTC() },
		jobs:        make(map[string]*domain.Job),
		attempts:    make(map[string]*domain.Attempt),
		assignments: make(map[string]*domain.Assignment),
		notes:       make(map[string][]domain.Note),
		workers:     make(map[string]*domain.Worker),
	}
}

// SetNowFunc overrides the time source used for derived views such as breach
// detection. Deployments driven by an injected clock point this at it so list
// views and deadline math agree.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// memoryTx exposes the unlocked method set while the transaction holds the
// store mutex. Nested InTx calls join the outer transaction.
type memoryTx struct {
	store *MemoryStore
}

func (s *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshotLocked()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.restoreLocked(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	jobs        map[string]*domain.Job
	attempts    map[string]*domain.Attempt
	assignments map[string]*domain.Assignment
	notes       map[string][]domain.Note
	audit       []domain.AuditRecord
	workers     map[string]*domain.Worker
}

func (s *MemoryStore) snapshotLocked() memorySnapshot {
	snap := memorySnapshot{
		jobs:        make(map[string]*domain.Job, len(s.jobs)),
		attempts:    make(map[string]*domain.Attempt, len(s.attempts)),
		assignments: make(map[string]*domain.Assignment, len(s.assignments)),
		notes:       make(map[string][]domain.Note, len(s.notes)),
		audit:       append([]domain.AuditRecord(nil), s.audit...),
		workers:     make(map[string]*domain.Worker, len(s.workers)),
	}
	for id, job := range s.jobs {
		snap.jobs[id] = cloneJob(job)
	}
	for id, attempt := range s.attempts {
		snap.attempts[id] = cloneAttempt(attempt)
	}
	for id, assignment := range s.assignments {
		copied := *assignment
		snap.assignments[id] = &copied
	}
	for id, notes := range s.notes {
		snap.notes[id] = append([]domain.Note(nil), notes...)
	}
	for id, worker := range s.workers {
		copied := *worker
		snap.workers[id] = &copied
	}
	return snap
}

func (s *MemoryStore) restoreLocked(snap memorySnapshot) {
	s.jobs = snap.jobs
	s.attempts = snap.attempts
	s.assignments = snap.assignments
	s.notes = snap.notes
	s.audit = snap.audit
	s.workers = snap.workers
}

func (s *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createJobLocked(job)
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJobLocked(jobID)
}

// GetJobForUpdate is a plain read here: the store mutex already serializes
// whole transactions, so the row-lock semantics of the SQL store hold by
// construction.
func (s *MemoryStore) GetJobForUpdate(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJobLocked(jobID)
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateJobLocked(job)
}

func (s *MemoryStore) ListJobs(_ context.Context, filter domain.JobListFilter) ([]domain.JobListItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listJobsLocked(filter)
}

func (s *MemoryStore) ListStalledJobs(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStalledJobsLocked()
}

func (s *MemoryStore) CreateAttempt(_ context.Context, attempt *domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAttemptLocked(attempt)
}

func (s *MemoryStore) GetAttempt(_ context.Context, attemptID string) (*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAttemptLocked(attemptID)
}

func (s *MemoryStore) ListAttemptsByJob(_ context.Context, jobID string) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAttemptsByJobLocked(jobID)
}

func (s *MemoryStore) CompareAndSetAttemptStatus(
	_ context.Context,
	attemptID string,
	expected, next domain.AttemptStatus,
	resolution domain.AttemptResolution,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casAttemptLocked(attemptID, expected, next, resolution)
}

func (s *MemoryStore) ListPendingAttempts(_ context.Context) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPendingLocked(nil)
}

func (s *MemoryStore) ListExpiredPendingAttempts(_ context.Context, now time.Time) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPendingLocked(&now)
}

func (s *MemoryStore) UpsertAssignment(_ context.Context, assignment *domain.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertAssignmentLocked(assignment)
}

func (s *MemoryStore) GetAssignment(_ context.Context, jobID string) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAssignmentLocked(jobID)
}

func (s *MemoryStore) AddNote(_ context.Context, note *domain.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNoteLocked(note)
}

func (s *MemoryStore) ListNotesByJob(_ context.Context, jobID string) ([]domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listNotesLocked(jobID)
}

func (s *MemoryStore) AppendAudit(_ context.Context, record *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditLocked(record)
}

func (s *MemoryStore) ListAuditByTarget(_ context.Context, targetType, targetID string) ([]domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAuditLocked(targetType, targetID)
}

func (s *MemoryStore) CreateWorker(_ context.Context, worker *domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createWorkerLocked(worker)
}

func (s *MemoryStore) GetWorker(_ context.Context, workerID string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWorkerLocked(workerID)
}

func (s *MemoryStore) ListActiveWorkers(_ context.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listActiveWorkersLocked()
}

func (t *memoryTx) InTx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func (t *memoryTx) CreateJob(_ context.Context, job *domain.Job) error {
	return t.store.createJobLocked(job)
}

func (t *memoryTx) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	return t.store.getJobLocked(jobID)
}

func (t *memoryTx) GetJobForUpdate(_ context.Context, jobID string) (*domain.Job, error) {
	return t.store.getJobLocked(jobID)
}

func (t *memoryTx) UpdateJob(_ context.Context, job *domain.Job) error {
	return t.store.updateJobLocked(job)
}

func (t *memoryTx) ListJobs(_ context.Context, filter domain.JobListFilter) ([]domain.JobListItem, int, error) {
	return t.store.listJobsLocked(filter)
}

func (t *memoryTx) ListStalledJobs(_ context.Context) ([]domain.Job, error) {
	return t.store.listStalledJobsLocked()
}

func (t *memoryTx) CreateAttempt(_ context.Context, attempt *domain.Attempt) error {
	return t.store.createAttemptLocked(attempt)
}

func (t *memoryTx) GetAttempt(_ context.Context, attemptID string) (*domain.Attempt, error) {
	return t.store.getAttemptLocked(attemptID)
}

func (t *memoryTx) ListAttemptsByJob(_ context.Context, jobID string) ([]domain.Attempt, error) {
	return t.store.listAttemptsByJobLocked(jobID)
}

func (t *memoryTx) CompareAndSetAttemptStatus(
	_ context.Context,
	attemptID string,
	expected, next domain.AttemptStatus,
	resolution domain.AttemptResolution,
) (bool, error) {
	return t.store.casAttemptLocked(attemptID, expected, next, resolution)
}

func (t *memoryTx) ListPendingAttempts(_ context.Context) ([]domain.Attempt, error) {
	return t.store.listPendingLocked(nil)
}

func (t *memoryTx) ListExpiredPendingAttempts(_ context.Context, now time.Time) ([]domain.Attempt, error) {
	return t.store.listPendingLocked(&now)
}

func (t *memoryTx) UpsertAssignment(_ context.Context, assignment *domain.Assignment) error {
	return t.store.upsertAssignmentLocked(assignment)
}

func (t *memoryTx) GetAssignment(_ context.Context, jobID string) (*domain.Assignment, error) {
	return t.store.getAssignmentLocked(jobID)
}

func (t *memoryTx) AddNote(_ context.Context, note *domain.Note) error {
	return t.store.addNoteLocked(note)
}

func (t *memoryTx) ListNotesByJob(_ context.Context, jobID string) ([]domain.Note, error) {
	return t.store.listNotesLocked(jobID)
}

func (t *memoryTx) AppendAudit(_ context.Context, record *domain.AuditRecord) error {
	return t.store.appendAuditLocked(record)
}

func (t *memoryTx) ListAuditByTarget(_ context.Context, targetType, targetID string) ([]domain.AuditRecord, error) {
	return t.store.listAuditLocked(targetType, targetID)
}

func (t *memoryTx) CreateWorker(_ context.Context, worker *domain.Worker) error {
	return t.store.createWorkerLocked(worker)
}

func (t *memoryTx) GetWorker(_ context.Context, workerID string) (*domain.Worker, error) {
	return t.store.getWorkerLocked(workerID)
}

func (t *memoryTx) ListActiveWorkers(_ context.Context) ([]domain.Worker, error) {
	return t.store.listActiveWorkersLocked()
}

func (s *MemoryStore) createJobLocked(job *domain.Job) error {
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) getJobLocked(jobID string) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) updateJobLocked(job *domain.Job) error {
	if _, ok := s.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) listJobsLocked(filter domain.JobListFilter) ([]domain.JobListItem, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	now := s.now()
	items := make([]domain.JobListItem, 0)
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.From != nil && job.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && job.CreatedAt.After(*filter.To) {
			continue
		}

		attempts, _ := s.listAttemptsByJobLocked(job.ID)
		escalation := domain.ComputeEscalation(job, attempts)
		if filter.EscalatedOnly && !escalation.Escalated {
			continue
		}

		breached := false
		if pending := domain.PendingAttempt(attempts); pending != nil && pending.Deadline.Before(now) {
			breached = true
		}
		if filter.BreachedOnly && !breached {
			continue
		}

		items = append(items, domain.JobListItem{
			JobID:            job.ID,
			CustomerID:       job.CustomerID,
			ServiceType:      job.ServiceType,
			Title:            job.Title,
			Status:           job.Status,
			AssignedWorkerID: job.AssignedWorkerID,
			Escalated:        escalation.Escalated,
			EscalationStep:   escalation.Step,
			Breached:         breached,
			CreatedAt:        job.CreatedAt,
		})
	}

	ascending := filter.Sort == domain.JobSortCreatedAsc
	sort.Slice(items, func(i, j int) bool {
		if ascending {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []domain.JobListItem{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return items[start:end], total, nil
}

func (s *MemoryStore) listStalledJobsLocked() ([]domain.Job, error) {
	jobs := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusDraft && job.Status != domain.JobStatusDispatching {
			continue
		}
		if job.Escalated {
			continue
		}
		attempts, _ := s.listAttemptsByJobLocked(job.ID)
		if domain.PendingAttempt(attempts) != nil {
			continue
		}
		jobs = append(jobs, *cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStore) createAttemptLocked(attempt *domain.Attempt) error {
	s.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (s *MemoryStore) getAttemptLocked(attemptID string) (*domain.Attempt, error) {
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAttempt(attempt), nil
}

func (s *MemoryStore) listAttemptsByJobLocked(jobID string) ([]domain.Attempt, error) {
	attempts := make([]domain.Attempt, 0)
	for _, attempt := range s.attempts {
		if attempt.JobID == jobID {
			attempts = append(attempts, *cloneAttempt(attempt))
		}
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Sequence < attempts[j].Sequence })
	return attempts, nil
}

func (s *MemoryStore) casAttemptLocked(
	attemptID string,
	expected, next domain.AttemptStatus,
	resolution domain.AttemptResolution,
) (bool, error) {
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if attempt.Status != expected {
		return false, nil
	}
	attempt.Status = next
	resolvedAt := resolution.ResolvedAt
	attempt.ResolvedAt = &resolvedAt
	if resolution.Reason != "" {
		attempt.DeclineReason = resolution.Reason
	}
	return true, nil
}

func (s *MemoryStore) listPendingLocked(expiredBefore *time.Time) ([]domain.Attempt, error) {
	attempts := make([]domain.Attempt, 0)
	for _, attempt := range s.attempts {
		if attempt.Status != domain.AttemptStatusPending {
			continue
		}
		if expiredBefore != nil && !attempt.Deadline.Before(*expiredBefore) {
			continue
		}
		attempts = append(attempts, *cloneAttempt(attempt))
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Deadline.Before(attempts[j].Deadline) })
	return attempts, nil
}

func (s *MemoryStore) upsertAssignmentLocked(assignment *domain.Assignment) error {
	copied := *assignment
	s.assignments[assignment.JobID] = &copied
	return nil
}

func (s *MemoryStore) getAssignmentLocked(jobID string) (*domain.Assignment, error) {
	assignment, ok := s.assignments[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *assignment
	return &copied, nil
}

func (s *MemoryStore) addNoteLocked(note *domain.Note) error {
	s.notes[note.JobID] = append(s.notes[note.JobID], *note)
	return nil
}

func (s *MemoryStore) listNotesLocked(jobID string) ([]domain.Note, error) {
	notes := append([]domain.Note(nil), s.notes[jobID]...)
	sort.Slice(notes, func(i, j int) bool { return notes[i].CreatedAt.Before(notes[j].CreatedAt) })
	return notes, nil
}

func (s *MemoryStore) appendAuditLocked(record *domain.AuditRecord) error {
	s.audit = append(s.audit, *record)
	return nil
}

func (s *MemoryStore) listAuditLocked(targetType, targetID string) ([]domain.AuditRecord, error) {
	records := make([]domain.AuditRecord, 0)
	for _, record := range s.audit {
		if record.TargetType == targetType && record.TargetID == targetID {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *MemoryStore) createWorkerLocked(worker *domain.Worker) error {
	copied := *worker
	s.workers[worker.ID] = &copied
	return nil
}

func (s *MemoryStore) getWorkerLocked(workerID string) (*domain.Worker, error) {
	worker, ok := s.workers[workerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *worker
	return &copied, nil
}

func (s *MemoryStore) listActiveWorkersLocked() ([]domain.Worker, error) {
	workers := make([]domain.Worker, 0)
	for _, worker := range s.workers {
		if worker.Active {
			workers = append(workers, *worker)
		}
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Rating != workers[j].Rating {
			return workers[i].Rating > workers[j].Rating
		}
		return workers[i].Name < workers[j].Name
	})
	return workers, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	return &clone
}

func cloneAttempt(attempt *domain.Attempt) *domain.Attempt {
	if attempt == nil {
		return nil
	}
	clone := *attempt
	if attempt.ResolvedAt != nil {
		resolvedAt := *attempt.ResolvedAt
		clone.ResolvedAt = &resolvedAt
	}
	return &clone
}
