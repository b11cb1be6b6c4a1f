package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Record mirrors the disputes table.
type Record struct {
	ID         string
	EscrowID   string
	TaskID     string
	RaisedBy   string
	Reason     string
	Status     Status
	Resolution *string
	ResolvedBy *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}
