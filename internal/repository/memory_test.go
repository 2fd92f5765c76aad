package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/iago/dispatch-sla-back/internal/domain"
)

func seedJob(t *testing.T, store *MemoryStore, id string, status domain.JobStatus, createdAt time.Time) {
	t.Helper()
	err := store.CreateJob(context.Background(), &domain.Job{
		ID:          id,
		CustomerID:  "cust-1",
		ServiceType: "plumbing",
		Title:       "Job " + id,
		Status:      status,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	})
	if err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
}

func seedAttempt(t *testing.T, store *MemoryStore, id, jobID string, seq int, status domain.AttemptStatus, deadline time.Time) {
	t.Helper()
	attempt := &domain.Attempt{
		ID:       id,
		JobID:    jobID,
		WorkerID: fmt.Sprintf("w%d", seq),
		Sequence: seq,
		Status:   status,
		Deadline: deadline,
		OpenedAt: deadline.Add(-15 * time.Minute),
	}
	if status.IsResolved() {
		resolvedAt := deadline
		attempt.ResolvedAt = &resolvedAt
	}
	if err := store.CreateAttempt(context.Background(), attempt); err != nil {
		t.Fatalf("seed attempt %s: %v", id, err)
	}
}

func TestCompareAndSetAttemptStatus(t *testing.T) {
	store := NewMemoryStore()
	deadline := time.Now().UTC().Add(15 * time.Minute)
	seedJob(t, store, "job-1", domain.JobStatusDispatching, time.Now().UTC())
	seedAttempt(t, store, "a1", "job-1", 1, domain.AttemptStatusPending, deadline)

	resolvedAt := time.Now().UTC()

	_, err := store.CompareAndSetAttemptStatus(context.Background(), "missing", domain.AttemptStatusPending, domain.AttemptStatusAccepted, domain.AttemptResolution{ResolvedAt: resolvedAt})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	won, err := store.CompareAndSetAttemptStatus(context.Background(), "a1", domain.AttemptStatusPending, domain.AttemptStatusDeclined, domain.AttemptResolution{ResolvedAt: resolvedAt, Reason: "too far"})
	if err != nil || !won {
		t.Fatalf("first cas: won=%v err=%v", won, err)
	}

	attempt, err := store.GetAttempt(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status != domain.AttemptStatusDeclined || attempt.DeclineReason != "too far" {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
	if attempt.ResolvedAt == nil || !attempt.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("resolved_at = %v, want %v", attempt.ResolvedAt, resolvedAt)
	}

	// The losing side of a race observes won=false, not an error.
	won, err = store.CompareAndSetAttemptStatus(context.Background(), "a1", domain.AttemptStatusPending, domain.AttemptStatusTimedOut, domain.AttemptResolution{ResolvedAt: resolvedAt})
	if err != nil {
		t.Fatalf("second cas: %v", err)
	}
	if won {
		t.Fatal("cas must lose against a resolved attempt")
	}
	attempt, _ = store.GetAttempt(context.Background(), "a1")
	if attempt.Status != domain.AttemptStatusDeclined {
		t.Fatalf("losing cas mutated the attempt: %+v", attempt)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	seedJob(t, store, "job-1", domain.JobStatusDraft, time.Now().UTC())

	errBoom := errors.New("boom")
	err := store.InTx(context.Background(), func(tx Store) error {
		if err := tx.CreateJob(context.Background(), &domain.Job{ID: "job-2", Status: domain.JobStatusDraft}); err != nil {
			return err
		}
		job, err := tx.GetJob(context.Background(), "job-1")
		if err != nil {
			return err
		}
		job.Status = domain.JobStatusCancelled
		if err := tx.UpdateJob(context.Background(), job); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := store.GetJob(context.Background(), "job-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("job-2 must not survive the rollback, got %v", err)
	}
	job, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job-1: %v", err)
	}
	if job.Status != domain.JobStatusDraft {
		t.Fatalf("job-1 status = %s, want draft", job.Status)
	}
}

func TestInTxNestedJoinsOuterTransaction(t *testing.T) {
	store := NewMemoryStore()

	errBoom := errors.New("boom")
	err := store.InTx(context.Background(), func(tx Store) error {
		if err := tx.CreateJob(context.Background(), &domain.Job{ID: "job-1", Status: domain.JobStatusDraft}); err != nil {
			return err
		}
		return tx.InTx(context.Background(), func(inner Store) error {
			// The inner scope sees the outer scope's write.
			if _, err := inner.GetJob(context.Background(), "job-1"); err != nil {
				return err
			}
			if err := inner.CreateJob(context.Background(), &domain.Job{ID: "job-2", Status: domain.JobStatusDraft}); err != nil {
				return err
			}
			return errBoom
		})
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}

	for _, jobID := range []string{"job-1", "job-2"} {
		if _, err := store.GetJob(context.Background(), jobID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s must not survive the rollback, got %v", jobID, err)
		}
	}
}

func TestListJobsFiltersAndDerivedFlags(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC().Add(-time.Hour)

	// job-a: escalated, two failed attempts and nothing pending.
	seedJob(t, store, "job-a", domain.JobStatusDispatching, base)
	seedAttempt(t, store, "a1", "job-a", 1, domain.AttemptStatusDeclined, base.Add(15*time.Minute))
	seedAttempt(t, store, "a2", "job-a", 2, domain.AttemptStatusTimedOut, base.Add(30*time.Minute))

	// job-b: breached, pending attempt past its deadline.
	seedJob(t, store, "job-b", domain.JobStatusDispatching, base.Add(time.Minute))
	seedAttempt(t, store, "b1", "job-b", 1, domain.AttemptStatusPending, time.Now().UTC().Add(-time.Minute))

	// job-c: healthy assigned job.
	seedJob(t, store, "job-c", domain.JobStatusAssigned, base.Add(2*time.Minute))
	seedAttempt(t, store, "c1", "job-c", 1, domain.AttemptStatusAccepted, base.Add(15*time.Minute))

	items, total, err := store.ListJobs(context.Background(), domain.JobListFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("total = %d, items = %d, want 3/3", total, len(items))
	}
	// Default sort is created_at descending.
	if items[0].JobID != "job-c" || items[2].JobID != "job-a" {
		t.Fatalf("unexpected order: %s..%s", items[0].JobID, items[2].JobID)
	}

	items, total, err = store.ListJobs(context.Background(), domain.JobListFilter{EscalatedOnly: true})
	if err != nil {
		t.Fatalf("list escalated: %v", err)
	}
	if total != 1 || items[0].JobID != "job-a" {
		t.Fatalf("escalated filter returned %v (total %d)", items, total)
	}
	if !items[0].Escalated || items[0].EscalationStep != 2 {
		t.Fatalf("derived escalation wrong: %+v", items[0])
	}

	items, total, err = store.ListJobs(context.Background(), domain.JobListFilter{BreachedOnly: true})
	if err != nil {
		t.Fatalf("list breached: %v", err)
	}
	if total != 1 || items[0].JobID != "job-b" || !items[0].Breached {
		t.Fatalf("breached filter returned %v (total %d)", items, total)
	}

	items, total, err = store.ListJobs(context.Background(), domain.JobListFilter{Status: domain.JobStatusAssigned})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if total != 1 || items[0].JobID != "job-c" {
		t.Fatalf("status filter returned %v (total %d)", items, total)
	}

	from := base.Add(30 * time.Second)
	items, total, err = store.ListJobs(context.Background(), domain.JobListFilter{From: &from, Sort: domain.JobSortCreatedAsc})
	if err != nil {
		t.Fatalf("list from: %v", err)
	}
	if total != 2 || items[0].JobID != "job-b" {
		t.Fatalf("from filter returned %v (total %d)", items, total)
	}

	items, total, err = store.ListJobs(context.Background(), domain.JobListFilter{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if total != 3 || len(items) != 1 {
		t.Fatalf("pagination returned %d items (total %d)", len(items), total)
	}

	items, total, err = store.ListJobs(context.Background(), domain.JobListFilter{Page: 9})
	if err != nil {
		t.Fatalf("list past the end: %v", err)
	}
	if total != 3 || len(items) != 0 {
		t.Fatalf("out-of-range page returned %d items (total %d)", len(items), total)
	}
}

func TestListStalledJobs(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC().Add(-time.Hour)

	// job-a: dispatching with a resolved attempt and nothing pending.
	seedJob(t, store, "job-a", domain.JobStatusDispatching, base)
	seedAttempt(t, store, "a1", "job-a", 1, domain.AttemptStatusDeclined, base.Add(15*time.Minute))

	// job-b: dispatching but covered by a pending attempt.
	seedJob(t, store, "job-b", domain.JobStatusDispatching, base.Add(time.Minute))
	seedAttempt(t, store, "b1", "job-b", 1, domain.AttemptStatusPending, time.Now().UTC().Add(time.Hour))

	// job-c: draft with no attempts at all.
	seedJob(t, store, "job-c", domain.JobStatusDraft, base.Add(2*time.Minute))

	// job-d: terminal.
	seedJob(t, store, "job-d", domain.JobStatusCompleted, base.Add(3*time.Minute))

	// job-e: already surfaced to the operator queue.
	seedJob(t, store, "job-e", domain.JobStatusDispatching, base.Add(4*time.Minute))
	if err := store.UpdateJob(context.Background(), &domain.Job{
		ID: "job-e", Status: domain.JobStatusDispatching, Escalated: true, CreatedAt: base.Add(4 * time.Minute),
	}); err != nil {
		t.Fatalf("mark escalated: %v", err)
	}

	stalled, err := store.ListStalledJobs(context.Background())
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 2 || stalled[0].ID != "job-a" || stalled[1].ID != "job-c" {
		t.Fatalf("unexpected stalled set: %+v", stalled)
	}
}

func TestGetJobForUpdateInsideTransaction(t *testing.T) {
	store := NewMemoryStore()
	seedJob(t, store, "job-1", domain.JobStatusDispatching, time.Now().UTC())

	err := store.InTx(context.Background(), func(tx Store) error {
		job, err := tx.GetJobForUpdate(context.Background(), "job-1")
		if err != nil {
			return err
		}
		job.Status = domain.JobStatusAssigned
		return tx.UpdateJob(context.Background(), job)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	job, err := store.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusAssigned {
		t.Fatalf("job status = %s, want assigned", job.Status)
	}

	if _, err := store.GetJobForUpdate(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListExpiredPendingAttempts(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	seedJob(t, store, "job-1", domain.JobStatusDispatching, now.Add(-time.Hour))
	seedAttempt(t, store, "a1", "job-1", 1, domain.AttemptStatusPending, now.Add(-time.Minute))
	seedAttempt(t, store, "a2", "job-1", 2, domain.AttemptStatusPending, now.Add(time.Hour))
	seedAttempt(t, store, "a3", "job-1", 3, domain.AttemptStatusDeclined, now.Add(-2*time.Minute))

	expired, err := store.ListExpiredPendingAttempts(context.Background(), now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "a1" {
		t.Fatalf("unexpected expired set: %+v", expired)
	}

	pending, err := store.ListPendingAttempts(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending count = %d, want 2", len(pending))
	}
	if pending[0].ID != "a1" {
		t.Fatalf("pending attempts not ordered by deadline: %+v", pending)
	}
}

func TestUpsertAssignmentReplacesExisting(t *testing.T) {
	store := NewMemoryStore()
	seedJob(t, store, "job-1", domain.JobStatusDispatching, time.Now().UTC())

	first := &domain.Assignment{JobID: "job-1", WorkerID: "w1", AssignedBy: domain.AssignedBySystem}
	if err := store.UpsertAssignment(context.Background(), first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := &domain.Assignment{JobID: "job-1", WorkerID: "w2", AssignedBy: "op-1", IsManual: true}
	if err := store.UpsertAssignment(context.Background(), second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	assignment, err := store.GetAssignment(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if assignment.WorkerID != "w2" || assignment.AssignedBy != "op-1" || !assignment.IsManual {
		t.Fatalf("upsert did not replace: %+v", assignment)
	}
}

func TestListActiveWorkersOrdering(t *testing.T) {
	store := NewMemoryStore()
	workers := []domain.Worker{
		{ID: "w1", Name: "Ana", Rating: 4.2, Active: true},
		{ID: "w2", Name: "Bruno", Rating: 4.8, Active: true},
		{ID: "w3", Name: "Clara", Rating: 4.8, Active: true},
		{ID: "w4", Name: "Davi", Rating: 5.0, Active: false},
	}
	for i := range workers {
		if err := store.CreateWorker(context.Background(), &workers[i]); err != nil {
			t.Fatalf("create worker: %v", err)
		}
	}

	active, err := store.ListActiveWorkers(context.Background())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active count = %d, want 3", len(active))
	}
	if active[0].ID != "w2" || active[1].ID != "w3" || active[2].ID != "w1" {
		t.Fatalf("unexpected order: %s %s %s", active[0].ID, active[1].ID, active[2].ID)
	}
}

func TestUpdateMissingJobReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	err := store.UpdateJob(context.Background(), &domain.Job{ID: "ghost"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
