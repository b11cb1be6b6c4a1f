package task

import "time"

type Status string

const (
	StatusPosted    Status = "posted"
	StatusAssigned  Status = "assigned"
	StatusFunded    Status = "funded"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Task struct {
	ID          string
	ClientID    string
	RunnerID    *string
	Title       string
	Description string
	Category    string
	Price       float64
	Currency    string
	DistanceKm  float64
	WeightKg    float64
	IsUrgent    bool
	Status      Status
	EscrowID    *string
	CancelReason *string
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Filters struct {
	ClientID  string
	RunnerID  string
	Status    Status
	Category  string
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}
