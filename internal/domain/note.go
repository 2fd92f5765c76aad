package domain

import "time"

// Note is a free-text operator annotation on a job. Notes are append-only:
// never mutated, never deleted, ordered by creation time.
type Note struct {
	ID        string
	JobID     string
	Author    string
	Body      string
	CreatedAt time.Time
}

type ActorType string

const (
	ActorTypeSystem   ActorType = "system"
	ActorTypeOperator ActorType = "operator"
	ActorTypeWorker   ActorType = "worker"
)

// AuditRecord is one append-only entry in the transition log. Every state
// transition and override writes exactly one record inside the same
// transaction as the mutation it describes.
type AuditRecord struct {
	ID         string
	ActorType  ActorType
	ActorID    string
	TargetType string
	TargetID   string
	Action     string
	PrevStatus string
	NextStatus string
	Details    string
	CreatedAt  time.Time
}
