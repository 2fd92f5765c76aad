package domain

import "time"

type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusAccepted  AttemptStatus = "accepted"
	AttemptStatusDeclined  AttemptStatus = "declined"
	AttemptStatusCancelled AttemptStatus = "cancelled"
	AttemptStatusTimedOut  AttemptStatus = "timed_out"
)

// IsResolved reports whether the attempt has left the pending state.
// Every non-pending status is terminal: an attempt never re-enters pending.
func (s AttemptStatus) IsResolved() bool {
	return s != AttemptStatusPending
}

// Attempt is one offer of a job to one contractor. Attempts are immutable
// history rows: resolved attempts are never deleted or reopened.
type Attempt struct {
	ID            string
	JobID         string
	WorkerID      string
	Sequence      int
	Status        AttemptStatus
	Deadline      time.Time
	OpenedAt      time.Time
	ResolvedAt    *time.Time
	DeclineReason string
	IsManual      bool
	RankWeight    int
}

// AttemptResolution carries the fields written alongside a status CAS.
type AttemptResolution struct {
	ResolvedAt time.Time
	Reason     string
}
