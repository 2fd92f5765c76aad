package domain

import "time"

type JobStatus string

const (
	JobStatusDraft       JobStatus = "draft"
	JobStatusDispatching JobStatus = "dispatching"
	JobStatusAssigned    JobStatus = "assigned"
	JobStatusScheduled   JobStatus = "scheduled"
	JobStatusInProgress  JobStatus = "in_progress"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further attempts.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// IsDispatchable reports whether a manual dispatch may target this status.
func (s JobStatus) IsDispatchable() bool {
	return s == JobStatusDraft || s == JobStatusDispatching
}

// Job is a unit of service work requiring one accepted contractor.
type Job struct {
	ID               string
	CustomerID       string
	ServiceType      string
	Title            string
	Status           JobStatus
	AssignedWorkerID string
	Escalated        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type JobSort string

const (
	JobSortCreatedDesc JobSort = "created_desc"
	JobSortCreatedAsc  JobSort = "created_asc"
)

// JobListFilter narrows the operator job list.
type JobListFilter struct {
	Status        JobStatus
	EscalatedOnly bool
	BreachedOnly  bool
	From          *time.Time
	To            *time.Time
	Page          int
	PageSize      int
	Sort          JobSort
}

// JobListItem is the row shape returned by list views; escalation and breach
// flags are derived at read time, never stored.
type JobListItem struct {
	JobID            string
	CustomerID       string
	ServiceType      string
	Title            string
	Status           JobStatus
	AssignedWorkerID string
	Escalated        bool
	EscalationStep   int
	Breached         bool
	CreatedAt        time.Time
}
