package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/dispatch-sla-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods serve direct calls and transaction-bound calls.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists dispatch state in Postgres via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool, db: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InTx opens a transaction and runs fn against a store bound to it. When the
// store is already transaction-bound, fn joins the outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	bound := &PostgresStore{db: tx}
	if err := fn(bound); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, customer_id, service_type, title, status, assigned_worker_id, escalated, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		job.ID,
		job.CustomerID,
		job.ServiceType,
		job.Title,
		string(job.Status),
		job.AssignedWorkerID,
		job.Escalated,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getJob(ctx, jobID, "")
}

// GetJobForUpdate holds the job row lock for the rest of the transaction.
// Attempt openers take this lock before checking for a pending attempt, so
// under READ COMMITTED two concurrent opens on the same job serialize instead
// of both inserting a pending row.
func (s *PostgresStore) GetJobForUpdate(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getJob(ctx, jobID, " FOR UPDATE")
}

func (s *PostgresStore) getJob(ctx context.Context, jobID, lockClause string) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, customer_id, service_type, title, status, assigned_worker_id, escalated, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`+lockClause, jobID).Scan(
		&job.ID,
		&job.CustomerID,
		&job.ServiceType,
		&job.Title,
		&status,
		&job.AssignedWorkerID,
		&job.Escalated,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	command, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
			assigned_worker_id = $3,
			escalated = $4,
			updated_at = $5
		WHERE id = $1
	`, job.ID, string(job.Status), job.AssignedWorkerID, job.Escalated, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// escalatedCondition mirrors domain.ComputeEscalation: at least two resolved
// non-accepted attempts, no accepted or still-pending attempt, job not terminal.
const escalatedCondition = `
	j.status NOT IN ('completed','cancelled')
	AND NOT EXISTS (SELECT 1 FROM attempts aa WHERE aa.job_id = j.id AND aa.status IN ('accepted','pending'))
	AND (SELECT COUNT(*) FROM attempts ar WHERE ar.job_id = j.id AND ar.status NOT IN ('pending','accepted')) >= 2`

const breachedCondition = `
	EXISTS (SELECT 1 FROM attempts ap WHERE ap.job_id = j.id AND ap.status = 'pending' AND ap.deadline < NOW())`

func (s *PostgresStore) ListJobs(
	ctx context.Context,
	filter domain.JobListFilter,
) ([]domain.JobListItem, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	baseQuery, args := buildJobFilters(filter)

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	order := "DESC"
	if filter.Sort == domain.JobSortCreatedAsc {
		order = "ASC"
	}

	listQuery := fmt.Sprintf(
		`SELECT j.id, j.customer_id, j.service_type, j.title, j.status, j.assigned_worker_id,
			(%s) AS escalated,
			(SELECT COUNT(*) FROM attempts ac WHERE ac.job_id = j.id) AS escalation_step,
			(%s) AS breached,
			j.created_at
		%s
		ORDER BY j.created_at %s
		LIMIT $%d OFFSET $%d`,
		escalatedCondition,
		breachedCondition,
		baseQuery,
		order,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := s.db.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]domain.JobListItem, 0)
	for rows.Next() {
		var (
			item   domain.JobListItem
			status string
		)
		if err := rows.Scan(
			&item.JobID,
			&item.CustomerID,
			&item.ServiceType,
			&item.Title,
			&status,
			&item.AssignedWorkerID,
			&item.Escalated,
			&item.EscalationStep,
			&item.Breached,
			&item.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job item: %w", err)
		}
		item.Status = domain.JobStatus(status)
		if !item.Escalated {
			item.EscalationStep = 0
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate job items: %w", rows.Err())
	}
	return items, total, nil
}

// ListStalledJobs returns jobs awaiting a dispatch decision: draft or
// dispatching, not yet surfaced to the operator queue, and with no pending
// attempt. The monitor sweep re-runs the dispatch policy on these so a failed
// post-resolution dispatch is retried instead of leaving the job stuck.
func (s *PostgresStore) ListStalledJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, customer_id, service_type, title, status, assigned_worker_id, escalated, created_at, updated_at
		FROM jobs j
		WHERE j.status IN ('draft','dispatching')
		AND NOT j.escalated
		AND NOT EXISTS (SELECT 1 FROM attempts a WHERE a.job_id = j.id AND a.status = 'pending')
		ORDER BY j.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		var (
			job    domain.Job
			status string
		)
		if err := rows.Scan(
			&job.ID,
			&job.CustomerID,
			&job.ServiceType,
			&job.Title,
			&status,
			&job.AssignedWorkerID,
			&job.Escalated,
			&job.CreatedAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		job.Status = domain.JobStatus(status)
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate stalled jobs: %w", rows.Err())
	}
	return jobs, nil
}

func buildJobFilters(filter domain.JobListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM jobs j WHERE 1=1")

	args := make([]any, 0, 4)
	argIndex := 1

	if filter.Status != "" {
		query.WriteString(fmt.Sprintf(" AND j.status = $%d", argIndex))
		args = append(args, string(filter.Status))
		argIndex++
	}
	if filter.From != nil {
		query.WriteString(fmt.Sprintf(" AND j.created_at >= $%d", argIndex))
		args = append(args, *filter.From)
		argIndex++
	}
	if filter.To != nil {
		query.WriteString(fmt.Sprintf(" AND j.created_at <= $%d", argIndex))
		args = append(args, *filter.To)
		argIndex++
	}
	if filter.EscalatedOnly {
		query.WriteString(" AND " + escalatedCondition)
	}
	if filter.BreachedOnly {
		query.WriteString(" AND " + breachedCondition)
	}

	return query.String(), args
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, attempt *domain.Attempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO attempts (id, job_id, worker_id, sequence, status, deadline, opened_at, resolved_at, decline_reason, is_manual, rank_weight)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		attempt.ID,
		attempt.JobID,
		attempt.WorkerID,
		attempt.Sequence,
		string(attempt.Status),
		attempt.Deadline,
		attempt.OpenedAt,
		attempt.ResolvedAt,
		attempt.DeclineReason,
		attempt.IsManual,
		attempt.RankWeight,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, attemptID string) (*domain.Attempt, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, job_id, worker_id, sequence, status, deadline, opened_at, resolved_at, decline_reason, is_manual, rank_weight
		FROM attempts
		WHERE id = $1
	`, attemptID)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query attempt: %w", err)
	}
	return attempt, nil
}

func (s *PostgresStore) ListAttemptsByJob(ctx context.Context, jobID string) ([]domain.Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, worker_id, sequence, status, deadline, opened_at, resolved_at, decline_reason, is_manual, rank_weight
		FROM attempts
		WHERE job_id = $1
		ORDER BY sequence ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// CompareAndSetAttemptStatus applies the resolution only when the attempt is
// still in the expected status. The conditional UPDATE is the arbiter for
// concurrent resolution paths: zero rows affected means another writer won.
func (s *PostgresStore) CompareAndSetAttemptStatus(
	ctx context.Context,
	attemptID string,
	expected, next domain.AttemptStatus,
	resolution domain.AttemptResolution,
) (bool, error) {
	command, err := s.db.Exec(ctx, `
		UPDATE attempts
		SET status = $3,
			resolved_at = $4,
			decline_reason = CASE WHEN $5 <> '' THEN $5 ELSE decline_reason END
		WHERE id = $1 AND status = $2
	`, attemptID, string(expected), string(next), resolution.ResolvedAt, resolution.Reason)
	if err != nil {
		return false, fmt.Errorf("cas attempt status: %w", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM attempts WHERE id = $1)`, attemptID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check attempt exists: %w", err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListPendingAttempts(ctx context.Context) ([]domain.Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, worker_id, sequence, status, deadline, opened_at, resolved_at, decline_reason, is_manual, rank_weight
		FROM attempts
		WHERE status = 'pending'
		ORDER BY deadline ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *PostgresStore) ListExpiredPendingAttempts(ctx context.Context, now time.Time) ([]domain.Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, worker_id, sequence, status, deadline, opened_at, resolved_at, decline_reason, is_manual, rank_weight
		FROM attempts
		WHERE status = 'pending' AND deadline < $1
		ORDER BY deadline ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired pending attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *PostgresStore) UpsertAssignment(ctx context.Context, assignment *domain.Assignment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO assignments (job_id, worker_id, assigned_by, is_manual, assigned_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (job_id) DO UPDATE
		SET worker_id = EXCLUDED.worker_id,
			assigned_by = EXCLUDED.assigned_by,
			is_manual = EXCLUDED.is_manual,
			assigned_at = EXCLUDED.assigned_at
	`,
		assignment.JobID,
		assignment.WorkerID,
		assignment.AssignedBy,
		assignment.IsManual,
		assignment.AssignedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, jobID string) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := s.db.QueryRow(ctx, `
		SELECT job_id, worker_id, assigned_by, is_manual, assigned_at
		FROM assignments
		WHERE job_id = $1
	`, jobID).Scan(
		&assignment.JobID,
		&assignment.WorkerID,
		&assignment.AssignedBy,
		&assignment.IsManual,
		&assignment.AssignedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query assignment: %w", err)
	}
	return &assignment, nil
}

func (s *PostgresStore) AddNote(ctx context.Context, note *domain.Note) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notes (id, job_id, author, body, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, note.ID, note.JobID, note.Author, note.Body, note.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotesByJob(ctx context.Context, jobID string) ([]domain.Note, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, author, body, created_at
		FROM notes
		WHERE job_id = $1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := make([]domain.Note, 0)
	for rows.Next() {
		var note domain.Note
		if err := rows.Scan(&note.ID, &note.JobID, &note.Author, &note.Body, &note.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate notes: %w", rows.Err())
	}
	return notes, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_records (id, actor_type, actor_id, target_type, target_id, action, prev_status, next_status, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		record.ID,
		string(record.ActorType),
		record.ActorID,
		record.TargetType,
		record.TargetID,
		record.Action,
		record.PrevStatus,
		record.NextStatus,
		record.Details,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditByTarget(ctx context.Context, targetType, targetID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, actor_type, actor_id, target_type, target_id, action, prev_status, next_status, details, created_at
		FROM audit_records
		WHERE target_type = $1 AND target_id = $2
		ORDER BY created_at ASC
	`, targetType, targetID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.AuditRecord, 0)
	for rows.Next() {
		var (
			record    domain.AuditRecord
			actorType string
		)
		if err := rows.Scan(
			&record.ID,
			&actorType,
			&record.ActorID,
			&record.TargetType,
			&record.TargetID,
			&record.Action,
			&record.PrevStatus,
			&record.NextStatus,
			&record.Details,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		record.ActorType = domain.ActorType(actorType)
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate audit records: %w", rows.Err())
	}
	return records, nil
}

func (s *PostgresStore) CreateWorker(ctx context.Context, worker *domain.Worker) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workers (id, name, phone, rating, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, worker.ID, worker.Name, worker.Phone, worker.Rating, worker.Active, worker.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	var worker domain.Worker
	err := s.db.QueryRow(ctx, `
		SELECT id, name, phone, rating, active, created_at
		FROM workers
		WHERE id = $1
	`, workerID).Scan(&worker.ID, &worker.Name, &worker.Phone, &worker.Rating, &worker.Active, &worker.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query worker: %w", err)
	}
	return &worker, nil
}

func (s *PostgresStore) ListActiveWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, phone, rating, active, created_at
		FROM workers
		WHERE active
		ORDER BY rating DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	workers := make([]domain.Worker, 0)
	for rows.Next() {
		var worker domain.Worker
		if err := rows.Scan(&worker.ID, &worker.Name, &worker.Phone, &worker.Rating, &worker.Active, &worker.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, worker)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate workers: %w", rows.Err())
	}
	return workers, nil
}

func scanAttempt(row pgx.Row) (*domain.Attempt, error) {
	var (
		attempt domain.Attempt
		status  string
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.JobID,
		&attempt.WorkerID,
		&attempt.Sequence,
		&status,
		&attempt.Deadline,
		&attempt.OpenedAt,
		&attempt.ResolvedAt,
		&attempt.DeclineReason,
		&attempt.IsManual,
		&attempt.RankWeight,
	); err != nil {
		return nil, err
	}
	attempt.Status = domain.AttemptStatus(status)
	return &attempt, nil
}

func collectAttempts(rows pgx.Rows) ([]domain.Attempt, error) {
	attempts := make([]domain.Attempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *attempt)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate attempts: %w", rows.Err())
	}
	return attempts, nil
}
