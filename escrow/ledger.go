package escrow

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryType is the closed enum of journal event types.
type EntryType string

const (
	EntryDeposit         EntryType = "DEPOSIT"
	EntryBookingFee      EntryType = "BOOKING_FEE"
	EntryEscrowHold      EntryType = "ESCROW_HOLD"
	EntrySurcharge       EntryType = "SURCHARGE"
	EntryCommission      EntryType = "COMMISSION"
	EntryPayoutInitiated EntryType = "PAYOUT_INITIATED"
	EntryPayoutSuccess   EntryType = "PAYOUT_SUCCESS"
	EntryPayoutFailed    EntryType = "PAYOUT_FAILED"
	EntryPayoutReversed  EntryType = "PAYOUT_REVERSED"
	EntryRefundInitiated EntryType = "REFUND_INITIATED"
	EntryRefundSuccess   EntryType = "REFUND_SUCCESS"
	EntryDisputeHold     EntryType = "DISPUTE_HOLD"
	EntryDisputeResolved EntryType = "DISPUTE_RESOLVED"
)

// Account names the internal bookkeeping accounts money moves between.
type Account string

const (
	AccountPlatformMerchant Account = "platform_merchant"
	AccountClientWallet     Account = "client_wallet"
	AccountRunnerWallet     Account = "runner_wallet"
	AccountSystemFee        Account = "system_fee"
)

// EntryStatus is the per-entry settlement state. An entry's amount and
// accounts are immutable; only status and meta may change after insert.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryConfirmed EntryStatus = "confirmed"
	EntryFailed    EntryStatus = "failed"
)

// Entry is one immutable financial movement in the journal.
type Entry struct {
	ID            int64
	EscrowID      string
	TaskID        *string
	UserID        *string
	Type          EntryType
	Amount        float64
	Currency      string
	DebitAccount  Account
	CreditAccount Account
	// Reference ties one logical financial event to exactly one row; the
	// unique constraint makes duplicate writes fail instead of double-count.
	Reference string
	Status    EntryStatus
	Meta      Meta
	CreatedAt time.Time
}

// Meta is the closed per-type metadata payload. Each entry type decodes to
// exactly one concrete shape.
type Meta interface {
	entryMeta()
}

// FundingMeta annotates DEPOSIT, BOOKING_FEE and ESCROW_HOLD entries.
type FundingMeta struct {
	PaymentMethod string `json:"payment_method,omitempty"`
	GatewayRef    string `json:"gateway_ref,omitempty"`
}

// FeeMeta annotates SURCHARGE and COMMISSION entries.
type FeeMeta struct {
	Kind string `json:"kind,omitempty"`
}

// PayoutMeta annotates the PAYOUT_* entries.
type PayoutMeta struct {
	InstructionID string `json:"instruction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
}

// RefundMeta annotates REFUND_* entries. The booking fee is withheld by
// policy, so RefundAmount is always totalHeld minus the booking fee.
type RefundMeta struct {
	Reason       string  `json:"reason,omitempty"`
	RefundAmount float64 `json:"refund_amount,omitempty"`
}

// DisputeMeta annotates DISPUTE_* entries.
type DisputeMeta struct {
	DisputeID  string `json:"dispute_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (FundingMeta) entryMeta() {}
func (FeeMeta) entryMeta()     {}
func (PayoutMeta) entryMeta()  {}
func (RefundMeta) entryMeta()  {}
func (DisputeMeta) entryMeta() {}

// EncodeMeta serialises an entry's metadata for the jsonb column.
func EncodeMeta(m Meta) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode meta: %w", err)
	}
	return b, nil
}

// DecodeMeta deserialises the jsonb column into the shape owned by the
// entry type. Unknown types are rejected so the enum stays closed.
func DecodeMeta(t EntryType, raw []byte) (Meta, error) {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	unmarshal := func(m Meta) (Meta, error) {
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, fmt.Errorf("escrow: decode %s meta: %w", t, err)
		}
		return m, nil
	}
	switch t {
	case EntryDeposit, EntryBookingFee, EntryEscrowHold:
		m := &FundingMeta{}
		v, err := unmarshal(m)
		if err != nil {
			return nil, err
		}
		return *v.(*FundingMeta), nil
	case EntrySurcharge, EntryCommission:
		m := &FeeMeta{}
		v, err := unmarshal(m)
		if err != nil {
			return nil, err
		}
		return *v.(*FeeMeta), nil
	case EntryPayoutInitiated, EntryPayoutSuccess, EntryPayoutFailed, EntryPayoutReversed:
		m := &PayoutMeta{}
		v, err := unmarshal(m)
		if err != nil {
			return nil, err
		}
		return *v.(*PayoutMeta), nil
	case EntryRefundInitiated, EntryRefundSuccess:
		m := &RefundMeta{}
		v, err := unmarshal(m)
		if err != nil {
			return nil, err
		}
		return *v.(*RefundMeta), nil
	case EntryDisputeHold, EntryDisputeResolved:
		m := &DisputeMeta{}
		v, err := unmarshal(m)
		if err != nil {
			return nil, err
		}
		return *v.(*DisputeMeta), nil
	default:
		return nil, fmt.Errorf("escrow: unknown entry type %q", t)
	}
}

// Reference builders. One logical event maps to one deterministic string so
// retried writes collide on the unique constraint instead of duplicating.

func DepositRef(paymentRef string) string    { return "DEP-" + paymentRef }
func BookingFeeRef(paymentRef string) string { return "FEE-" + paymentRef }
func HoldRef(paymentRef string) string       { return "HOLD-" + paymentRef }
func PayoutInitRef(escrowID string) string   { return "PAYOUT-" + escrowID }
func CommissionRef(escrowID string) string   { return "COM-" + escrowID }
func RefundRef(escrowID string) string       { return "REFUND-" + escrowID }
func DisputeHoldRef(disputeID string) string { return "DISPUTE-" + disputeID }

func SurchargeRef(kind, escrowID string) string { return "SUR-" + kind + "-" + escrowID }

func RefundSuccessRef(escrowID string) string { return "REFUND-OK-" + escrowID }

func DisputeResolvedRef(disputeID string) string { return "DISPUTE-RES-" + disputeID }

func PayoutSuccessRef(instructionID string) string { return "PAYOUT-OK-" + instructionID }

func PayoutFailureRef(instructionID string, attempt int) string {
	return fmt.Sprintf("PAYOUT-FAIL-%s-%d", instructionID, attempt)
}
