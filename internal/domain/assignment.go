package domain

import "time"

// AssignedBySystem marks assignments produced by the automatic dispatch flow;
// any other value is the operator id that forced the assignment.
const AssignedBySystem = "system"

// Assignment is the current binding of a job to a contractor. At most one row
// exists per job; it is upserted, while attempts keep the full history.
type Assignment struct {
	JobID      string
	WorkerID   string
	AssignedBy string
	IsManual   bool
	AssignedAt time.Time
}

// Worker is a contractor roster entry.
type Worker struct {
	ID        string
	Name      string
	Phone     string
	Rating    float64
	Active    bool
	CreatedAt time.Time
}
