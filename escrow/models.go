package escrow

import "time"

// Status is the primary escrow state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// PaymentStatus tracks whether the inbound client payment cleared.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSettled PaymentStatus = "settled"
	PaymentFailed  PaymentStatus = "failed"
)

// RailStatus mirrors the FNB payout instruction lifecycle on the escrow row.
type RailStatus string

const (
	RailPending    RailStatus = "pending"
	RailSubmitted  RailStatus = "submitted"
	RailProcessing RailStatus = "processing"
	RailSuccess    RailStatus = "success"
	RailFailed     RailStatus = "failed"
	RailRejected   RailStatus = "rejected"
)

// ReleaseReason enumerates why an escrow was authorized for payout.
type ReleaseReason string

const (
	ReleaseTaskCompleted ReleaseReason = "task_completed"
	ReleaseReviewExpired ReleaseReason = "review_expired"
	ReleaseManual        ReleaseReason = "manual_release"
)

// Escrow is the custodial hold record for one funded task. The fee breakdown
// is frozen at creation and never recomputed, so a fee-table change mid-task
// cannot shift what was quoted.
type Escrow struct {
	ID       string
	TaskID   string
	ClientID string
	RunnerID string

	Currency          string
	TaskPrice         float64
	BookingFee        float64
	Commission        float64
	DistanceSurcharge float64
	PeakSurcharge     float64
	WeightSurcharge   float64
	UrgencySurcharge  float64
	TotalFees         float64
	TotalHeld         float64
	RunnersNet        float64

	Status        Status
	PaymentStatus PaymentStatus
	RailStatus    RailStatus
	RetryCount    int
	LastRetryAt   *time.Time

	PaymentRef    string
	PaymentMethod string
	// PayoutRef is the claim marker reserving the in-flight payout attempt.
	PayoutRef *string
	// InstructionID is the rail's identifier, absent until a payout was
	// accepted by FNB.
	InstructionID *string

	ReleasedAt        *time.Time
	ReleaseReason     *ReleaseReason
	PayoutCompletedAt *time.Time
	RefundAmount      *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalSurcharges sums the frozen conditional fees.
func (e Escrow) TotalSurcharges() float64 {
	return e.DistanceSurcharge + e.PeakSurcharge + e.WeightSurcharge + e.UrgencySurcharge
}

// Details joins an escrow with its full ordered journal for audit display.
type Details struct {
	Escrow Escrow
	Ledger []Entry
}
