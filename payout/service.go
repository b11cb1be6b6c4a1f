// Package payout drives the escrow state machine: it is the sole writer of
// escrows and ledger entries, and the only component that talks to the FNB
// rail on their behalf.
package payout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"taskpay/audit"
	"taskpay/escrow"
	"taskpay/fees"
	"taskpay/fnb"
	"taskpay/runner"
)

var (
	// ErrNotHeld signals a release attempt on an escrow that is not held.
	ErrNotHeld = errors.New("payout: escrow is not held")
	// ErrNotPending signals a settlement confirmation on an escrow whose
	// inbound payment already settled or failed.
	ErrNotPending = errors.New("payout: escrow payment is not pending")
	// ErrNotReleased signals a payout attempt before release.
	ErrNotReleased = errors.New("payout: escrow is not released")
	// ErrNotRefundable signals a refund on an escrow past the point of no
	// return.
	ErrNotRefundable = errors.New("payout: escrow is not refundable")
	// ErrNotDisputed signals a dispute resolution on a non-disputed escrow.
	ErrNotDisputed = errors.New("payout: escrow is not disputed")
	// ErrNoInstruction signals a poll before any instruction was submitted.
	ErrNoInstruction = errors.New("payout: no payout instruction submitted")
	// ErrRetryExhausted signals the payout retry ceiling was reached and
	// the escrow needs manual handling.
	ErrRetryExhausted = errors.New("payout: retry limit reached, manual handling required")
	// ErrPaymentRefMismatch signals a settlement confirmation carrying the
	// wrong gateway reference.
	ErrPaymentRefMismatch = errors.New("payout: payment reference mismatch")

	errBadReason = errors.New("payout: invalid release reason")
)

// defaultMaxPayoutAttempts is the policy ceiling before escalation.
const defaultMaxPayoutAttempts = 3

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EscrowRepository is the data access the orchestrator requires.
type EscrowRepository interface {
	InsertEscrow(ctx context.Context, tx pgx.Tx, e escrow.Escrow) (escrow.Escrow, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e escrow.Entry) (escrow.Entry, error)
	Get(ctx context.Context, q escrow.Queryer, id string) (escrow.Escrow, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Escrow, error)
	MarkSettled(ctx context.Context, tx pgx.Tx, id string) (escrow.Escrow, error)
	MarkReleased(ctx context.Context, tx pgx.Tx, id string, reason escrow.ReleaseReason) (escrow.Escrow, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, id string, amount float64) (escrow.Escrow, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status escrow.Status) (escrow.Escrow, error)
	ClaimPayout(ctx context.Context, tx pgx.Tx, id, payoutRef string) (escrow.Escrow, error)
	ClearPayoutClaim(ctx context.Context, tx pgx.Tx, id, payoutRef string) error
	RecordInstruction(ctx context.Context, tx pgx.Tx, id, instructionID string, state escrow.RailStatus) (escrow.Escrow, error)
	SetRailStatus(ctx context.Context, tx pgx.Tx, id string, state escrow.RailStatus) (escrow.Escrow, error)
	RecordPayoutSuccess(ctx context.Context, tx pgx.Tx, id string) (escrow.Escrow, error)
	RecordPayoutFailure(ctx context.Context, tx pgx.Tx, id string, state escrow.RailStatus) (escrow.Escrow, error)
	SetEntryStatus(ctx context.Context, tx pgx.Tx, reference string, status escrow.EntryStatus) error
	AnnotateEntry(ctx context.Context, tx pgx.Tx, reference string, meta escrow.Meta) error
	ListEntries(ctx context.Context, q escrow.Queryer, escrowID string) ([]escrow.Entry, error)
}

// Rail is the outbound payment boundary.
type Rail interface {
	CreateEFTPayment(ctx context.Context, p fnb.EFTPayment) (fnb.Instruction, error)
	GetPaymentStatus(ctx context.Context, instructionID string) (fnb.PaymentStatus, error)
}

// DestinationReader resolves a runner's payout target.
type DestinationReader interface {
	GetDestination(ctx context.Context, runnerID string) (runner.Destination, error)
}

// AuditSink records admin-triggered transitions.
type AuditSink interface {
	Record(ctx context.Context, e audit.Entry)
}

type Service struct {
	db          DB
	repo        EscrowRepository
	rail        Rail
	runners     DestinationReader
	calc        *fees.Calculator
	sink        AuditSink
	metrics     *Metrics
	idGenerator func() string
	now         func() time.Time
	maxAttempts int
}

func NewService(db DB, repo EscrowRepository, rail Rail, runners DestinationReader, calc *fees.Calculator) *Service {
	if repo == nil {
		repo = escrow.NewRepository()
	}
	return &Service{
		db:          db,
		repo:        repo,
		rail:        rail,
		runners:     runners,
		calc:        calc,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		maxAttempts: defaultMaxPayoutAttempts,
	}
}

func (s *Service) WithAudit(sink AuditSink) *Service {
	s.sink = sink
	return s
}

func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithMaxAttempts(n int) *Service {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// CreateEscrowParams captures one task-funding event.
type CreateEscrowParams struct {
	TaskID        string
	ClientID      string
	RunnerID      string
	TaskPrice     float64
	Currency      string
	PaymentRef    string
	PaymentMethod string
	DistanceKm    float64
	WeightKg      float64
	IsPeak        bool
	IsUrgent      bool
}

// CreateEscrow freezes the fee breakdown and writes the escrow plus its
// DEPOSIT, BOOKING_FEE and ESCROW_HOLD journal rows in one transaction. A
// repeated paymentRef fails on the uniqueness constraints instead of
// double-counting the deposit.
func (s *Service) CreateEscrow(ctx context.Context, params CreateEscrowParams) (escrow.Escrow, error) {
	if params.TaskID == "" || params.ClientID == "" || params.RunnerID == "" {
		return escrow.Escrow{}, fmt.Errorf("payout: task, client and runner ids required")
	}
	if params.TaskPrice <= 0 {
		return escrow.Escrow{}, fmt.Errorf("payout: task price must be positive")
	}
	if params.PaymentRef == "" {
		return escrow.Escrow{}, fmt.Errorf("payout: payment reference required")
	}

	quote, err := s.calc.Quote(fees.Input{
		TaskPrice:  params.TaskPrice,
		Currency:   params.Currency,
		DistanceKm: params.DistanceKm,
		WeightKg:   params.WeightKg,
		IsPeak:     params.IsPeak,
		IsUrgent:   params.IsUrgent,
	})
	if err != nil {
		return escrow.Escrow{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e := escrow.Escrow{
		ID:                s.idGenerator(),
		TaskID:            params.TaskID,
		ClientID:          params.ClientID,
		RunnerID:          params.RunnerID,
		Currency:          quote.Currency,
		TaskPrice:         quote.TaskPrice,
		BookingFee:        quote.BookingFee,
		Commission:        quote.Commission,
		DistanceSurcharge: quote.DistanceSurcharge,
		PeakSurcharge:     quote.PeakSurcharge,
		WeightSurcharge:   quote.WeightSurcharge,
		UrgencySurcharge:  quote.UrgencySurcharge,
		TotalFees:         quote.TotalFees,
		TotalHeld:         quote.TotalHeld,
		RunnersNet:        quote.RunnersNet,
		Status:            escrow.StatusPending,
		PaymentStatus:     escrow.PaymentPending,
		RailStatus:        escrow.RailPending,
		PaymentRef:        params.PaymentRef,
		PaymentMethod:     params.PaymentMethod,
	}

	created, err := s.repo.InsertEscrow(ctx, tx, e)
	if err != nil {
		return escrow.Escrow{}, err
	}

	funding := escrow.FundingMeta{PaymentMethod: params.PaymentMethod, GatewayRef: params.PaymentRef}
	entries := []escrow.Entry{
		{
			EscrowID:      created.ID,
			TaskID:        &created.TaskID,
			UserID:        &created.ClientID,
			Type:          escrow.EntryDeposit,
			Amount:        created.TotalHeld,
			Currency:      created.Currency,
			DebitAccount:  escrow.AccountClientWallet,
			CreditAccount: escrow.AccountPlatformMerchant,
			Reference:     escrow.DepositRef(created.PaymentRef),
			Status:        escrow.EntryPending,
			Meta:          funding,
		},
		{
			EscrowID:      created.ID,
			TaskID:        &created.TaskID,
			UserID:        &created.ClientID,
			Type:          escrow.EntryBookingFee,
			Amount:        created.BookingFee,
			Currency:      created.Currency,
			DebitAccount:  escrow.AccountClientWallet,
			CreditAccount: escrow.AccountSystemFee,
			Reference:     escrow.BookingFeeRef(created.PaymentRef),
			Status:        escrow.EntryPending,
			Meta:          funding,
		},
		{
			EscrowID:      created.ID,
			TaskID:        &created.TaskID,
			UserID:        &created.ClientID,
			Type:          escrow.EntryEscrowHold,
			Amount:        created.TaskPrice,
			Currency:      created.Currency,
			DebitAccount:  escrow.AccountClientWallet,
			CreditAccount: escrow.AccountPlatformMerchant,
			Reference:     escrow.HoldRef(created.PaymentRef),
			Status:        escrow.EntryPending,
			Meta:          funding,
		},
	}
	for _, entry := range entries {
		if _, err := s.repo.InsertEntry(ctx, tx, entry); err != nil {
			return escrow.Escrow{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit create: %w", err)
	}

	s.observe("create", "ok")
	return created, nil
}

// MarkPaymentSettled confirms the inbound gateway payment and moves the
// escrow from pending to held. The caller must present the gateway reference
// the escrow was funded with.
func (s *Service) MarkPaymentSettled(ctx context.Context, escrowID, paymentRef string) (escrow.Escrow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusPending || e.PaymentStatus != escrow.PaymentPending {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s payment=%s)", ErrNotPending, e.Status, e.PaymentStatus)
	}
	if paymentRef == "" || paymentRef != e.PaymentRef {
		return escrow.Escrow{}, ErrPaymentRefMismatch
	}

	updated, err := s.repo.MarkSettled(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.repo.SetEntryStatus(ctx, tx, escrow.DepositRef(e.PaymentRef), escrow.EntryConfirmed); err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.repo.SetEntryStatus(ctx, tx, escrow.BookingFeeRef(e.PaymentRef), escrow.EntryConfirmed); err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit settle: %w", err)
	}

	s.observe("settle", "ok")
	return updated, nil
}

// ReleaseEscrow authorizes payout of the runner's net. It journals the
// commission and every non-zero surcharge, then writes PAYOUT_INITIATED for
// runnersNet. No real money moves until InitiatePayout.
func (s *Service) ReleaseEscrow(ctx context.Context, escrowID string, reason escrow.ReleaseReason, actorID string) (escrow.Escrow, error) {
	switch reason {
	case escrow.ReleaseTaskCompleted, escrow.ReleaseReviewExpired, escrow.ReleaseManual:
	default:
		return escrow.Escrow{}, fmt.Errorf("%w: %q", errBadReason, reason)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusHeld {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s)", ErrNotHeld, e.Status)
	}

	updated, err := s.releaseLocked(ctx, tx, e, reason)
	if err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit release: %w", err)
	}

	s.audit(ctx, audit.Entry{
		EscrowID: escrowID,
		Action:   "escrow.released",
		ActorID:  actorID,
		Amount:   updated.RunnersNet,
		Reason:   string(reason),
	})
	s.observe("release", "ok")
	return updated, nil
}

func (s *Service) releaseLocked(ctx context.Context, tx pgx.Tx, e escrow.Escrow, reason escrow.ReleaseReason) (escrow.Escrow, error) {
	updated, err := s.repo.MarkReleased(ctx, tx, e.ID, reason)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.repo.SetEntryStatus(ctx, tx, escrow.HoldRef(e.PaymentRef), escrow.EntryConfirmed); err != nil {
		return escrow.Escrow{}, err
	}

	if _, err := s.repo.InsertEntry(ctx, tx, escrow.Entry{
		EscrowID:      e.ID,
		TaskID:        &e.TaskID,
		Type:          escrow.EntryCommission,
		Amount:        e.Commission,
		Currency:      e.Currency,
		DebitAccount:  escrow.AccountPlatformMerchant,
		CreditAccount: escrow.AccountSystemFee,
		Reference:     escrow.CommissionRef(e.ID),
		Status:        escrow.EntryConfirmed,
		Meta:          escrow.FeeMeta{Kind: "commission"},
	}); err != nil {
		return escrow.Escrow{}, err
	}

	surcharges := []struct {
		kind   string
		amount float64
	}{
		{"distance", e.DistanceSurcharge},
		{"peak", e.PeakSurcharge},
		{"weight", e.WeightSurcharge},
		{"urgency", e.UrgencySurcharge},
	}
	for _, sc := range surcharges {
		if sc.amount <= 0 {
			continue
		}
		if _, err := s.repo.InsertEntry(ctx, tx, escrow.Entry{
			EscrowID:      e.ID,
			TaskID:        &e.TaskID,
			Type:          escrow.EntrySurcharge,
			Amount:        sc.amount,
			Currency:      e.Currency,
			DebitAccount:  escrow.AccountPlatformMerchant,
			CreditAccount: escrow.AccountRunnerWallet,
			Reference:     escrow.SurchargeRef(sc.kind, e.ID),
			Status:        escrow.EntryConfirmed,
			Meta:          escrow.FeeMeta{Kind: sc.kind},
		}); err != nil {
			return escrow.Escrow{}, err
		}
	}

	if _, err := s.repo.InsertEntry(ctx, tx, escrow.Entry{
		EscrowID:      e.ID,
		TaskID:        &e.TaskID,
		UserID:        &e.RunnerID,
		Type:          escrow.EntryPayoutInitiated,
		Amount:        e.RunnersNet,
		Currency:      e.Currency,
		DebitAccount:  escrow.AccountPlatformMerchant,
		CreditAccount: escrow.AccountRunnerWallet,
		Reference:     escrow.PayoutInitRef(e.ID),
		Status:        escrow.EntryPending,
		Meta:          escrow.PayoutMeta{Reason: string(reason)},
	}); err != nil {
		return escrow.Escrow{}, err
	}

	return updated, nil
}

// InitiatePayout submits the EFT instruction for a released escrow. The
// claim taken under the row lock guarantees at most one in-flight
// instruction per escrow; the rail call itself happens outside any lock. A
// submission failure clears the claim and leaves the escrow unchanged, so
// the caller can simply re-invoke.
func (s *Service) InitiatePayout(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error) {
	current, err := s.repo.Get(ctx, s.db, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if current.Status != escrow.StatusReleased {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s)", ErrNotReleased, current.Status)
	}
	if current.RetryCount >= s.maxAttempts {
		return escrow.Escrow{}, fmt.Errorf("%w (attempts=%d)", ErrRetryExhausted, current.RetryCount)
	}

	dest, err := s.runners.GetDestination(ctx, current.RunnerID)
	if err != nil {
		return escrow.Escrow{}, err
	}

	payoutRef := fmt.Sprintf("EFT-%s-%d", shortID(escrowID), s.now().Unix())

	claimed, err := s.claimPayout(ctx, escrowID, payoutRef)
	if err != nil {
		return escrow.Escrow{}, err
	}

	railStart := time.Now()
	instr, err := s.rail.CreateEFTPayment(ctx, fnb.EFTPayment{
		DestinationAccount: dest.AccountNumber,
		DestinationName:    dest.AccountName,
		Amount:             claimed.RunnersNet,
		Currency:           claimed.Currency,
		Reference:          payoutRef,
		Narrative:          "Task payout " + claimed.TaskID,
		Timing:             "immediate",
	})
	s.metrics.ObserveRail(time.Since(railStart))
	if err != nil {
		s.releaseClaim(ctx, escrowID, payoutRef)
		s.observe("initiate", "submit_failed")
		return escrow.Escrow{}, fmt.Errorf("payout: submit instruction: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.repo.RecordInstruction(ctx, tx, escrowID, instr.ID, mapRailState(instr.State))
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.repo.AnnotateEntry(ctx, tx, escrow.PayoutInitRef(escrowID), escrow.PayoutMeta{InstructionID: instr.ID}); err != nil {
		return escrow.Escrow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit instruction: %w", err)
	}

	s.audit(ctx, audit.Entry{
		EscrowID: escrowID,
		Action:   "payout.initiated",
		ActorID:  actorID,
		Amount:   updated.RunnersNet,
		Reason:   instr.ID,
	})
	s.observe("initiate", "ok")
	return updated, nil
}

func (s *Service) claimPayout(ctx context.Context, escrowID, payoutRef string) (escrow.Escrow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	claimed, err := s.repo.ClaimPayout(ctx, tx, escrowID, payoutRef)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit claim: %w", err)
	}
	return claimed, nil
}

func (s *Service) releaseClaim(ctx context.Context, escrowID, payoutRef string) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)
	if err := s.repo.ClearPayoutClaim(ctx, tx, escrowID, payoutRef); err != nil {
		return
	}
	_ = tx.Commit(ctx)
}

// AbandonPayoutClaim clears a claim whose instruction was never recorded,
// readmitting the escrow for InitiatePayout. This is the operator's way out
// when the submission outcome was lost between the rail and the instruction
// write. The rail may still have accepted the payment, so reconcile against
// the account history before re-initiating.
func (s *Service) AbandonPayoutClaim(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusReleased {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s)", ErrNotReleased, e.Status)
	}
	if e.InstructionID != nil {
		return escrow.Escrow{}, fmt.Errorf("%w: instruction %s recorded, poll it instead", escrow.ErrPayoutInFlight, *e.InstructionID)
	}
	if e.PayoutRef == nil {
		return e, nil
	}
	payoutRef := *e.PayoutRef

	if err := s.repo.ClearPayoutClaim(ctx, tx, escrowID, payoutRef); err != nil {
		return escrow.Escrow{}, err
	}
	updated, err := s.repo.Get(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit claim clear: %w", err)
	}

	s.audit(ctx, audit.Entry{
		EscrowID: escrowID,
		Action:   "payout.claim_cleared",
		ActorID:  actorID,
		Reason:   payoutRef,
	})
	s.observe("abandon", "ok")
	return updated, nil
}

// PollPayoutStatus queries the rail and records the outcome. A FAILED or
// REJECTED state is data, not an error: the poll succeeds, the retry
// counter advances, and the caller decides whether to re-initiate or
// escalate. No resubmission happens here.
func (s *Service) PollPayoutStatus(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error) {
	current, err := s.repo.Get(ctx, s.db, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if current.RailStatus == escrow.RailSuccess {
		return current, nil
	}
	if current.InstructionID == nil || *current.InstructionID == "" {
		return escrow.Escrow{}, ErrNoInstruction
	}
	instructionID := *current.InstructionID

	railStart := time.Now()
	status, err := s.rail.GetPaymentStatus(ctx, instructionID)
	s.metrics.ObserveRail(time.Since(railStart))
	if err != nil {
		s.observe("poll", "rail_error")
		return escrow.Escrow{}, fmt.Errorf("payout: poll instruction %s: %w", instructionID, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	// A concurrent poll may have recorded this instruction's outcome between
	// the unlocked read and the row lock. A failure clears instruction_id and
	// a re-initiation replaces it; either way recording again would count one
	// rail outcome twice, so the stale poll just reports the fresh row.
	if e.InstructionID == nil || *e.InstructionID != instructionID {
		return e, nil
	}

	var updated escrow.Escrow
	switch status.State {
	case fnb.StateSuccess:
		updated, err = s.repo.RecordPayoutSuccess(ctx, tx, escrowID)
		if err != nil {
			return escrow.Escrow{}, err
		}
		_, err = s.repo.InsertEntry(ctx, tx, escrow.Entry{
			EscrowID:      e.ID,
			TaskID:        &e.TaskID,
			UserID:        &e.RunnerID,
			Type:          escrow.EntryPayoutSuccess,
			Amount:        e.RunnersNet,
			Currency:      e.Currency,
			DebitAccount:  escrow.AccountPlatformMerchant,
			CreditAccount: escrow.AccountRunnerWallet,
			Reference:     escrow.PayoutSuccessRef(instructionID),
			Status:        escrow.EntryConfirmed,
			Meta:          escrow.PayoutMeta{InstructionID: instructionID},
		})
		if err != nil && !errors.Is(err, escrow.ErrDuplicateReference) {
			return escrow.Escrow{}, err
		}
		if err := s.repo.SetEntryStatus(ctx, tx, escrow.PayoutInitRef(e.ID), escrow.EntryConfirmed); err != nil {
			return escrow.Escrow{}, err
		}
		s.observe("poll", "success")

	case fnb.StateFailed, fnb.StateRejected:
		updated, err = s.repo.RecordPayoutFailure(ctx, tx, escrowID, mapRailState(status.State))
		if err != nil {
			return escrow.Escrow{}, err
		}
		_, err = s.repo.InsertEntry(ctx, tx, escrow.Entry{
			EscrowID:      e.ID,
			TaskID:        &e.TaskID,
			UserID:        &e.RunnerID,
			Type:          escrow.EntryPayoutFailed,
			Amount:        e.RunnersNet,
			Currency:      e.Currency,
			DebitAccount:  escrow.AccountPlatformMerchant,
			CreditAccount: escrow.AccountRunnerWallet,
			Reference:     escrow.PayoutFailureRef(instructionID, updated.RetryCount),
			Status:        escrow.EntryFailed,
			Meta: escrow.PayoutMeta{
				InstructionID: instructionID,
				FailureReason: status.FailureReason,
				RetryCount:    updated.RetryCount,
			},
		})
		if err != nil && !errors.Is(err, escrow.ErrDuplicateReference) {
			return escrow.Escrow{}, err
		}
		s.observe("poll", "failed")

	case fnb.StateSubmitted, fnb.StateProcessing:
		updated, err = s.repo.SetRailStatus(ctx, tx, escrowID, mapRailState(status.State))
		if err != nil {
			return escrow.Escrow{}, err
		}
		s.observe("poll", "in_flight")

	default:
		return escrow.Escrow{}, fmt.Errorf("payout: unknown rail state %q for instruction %s", status.State, instructionID)
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit poll: %w", err)
	}

	if status.State == fnb.StateFailed || status.State == fnb.StateRejected {
		s.audit(ctx, audit.Entry{
			EscrowID: escrowID,
			Action:   "payout.failed",
			ActorID:  actorID,
			Amount:   updated.RunnersNet,
			Reason:   status.FailureReason,
		})
	}
	return updated, nil
}

// RefundEscrow returns the held funds to the client minus the
// non-refundable booking fee. The actual gateway reversal is the caller's
// collaborator; this engine journals the intent.
func (s *Service) RefundEscrow(ctx context.Context, escrowID, reason, actorID string) (escrow.Escrow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusPending && e.Status != escrow.StatusHeld {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s)", ErrNotRefundable, e.Status)
	}

	updated, err := s.refundLocked(ctx, tx, e, reason)
	if err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit refund: %w", err)
	}

	s.audit(ctx, audit.Entry{
		EscrowID: escrowID,
		Action:   "escrow.refunded",
		ActorID:  actorID,
		Amount:   refundAmount(e),
		Reason:   reason,
	})
	s.observe("refund", "ok")
	return updated, nil
}

func (s *Service) refundLocked(ctx context.Context, tx pgx.Tx, e escrow.Escrow, reason string) (escrow.Escrow, error) {
	amount := refundAmount(e)

	updated, err := s.repo.MarkRefunded(ctx, tx, e.ID, amount)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.repo.SetEntryStatus(ctx, tx, escrow.HoldRef(e.PaymentRef), escrow.EntryFailed); err != nil {
		return escrow.Escrow{}, err
	}

	if _, err := s.repo.InsertEntry(ctx, tx, escrow.Entry{
		EscrowID:      e.ID,
		TaskID:        &e.TaskID,
		UserID:        &e.ClientID,
		Type:          escrow.EntryRefundInitiated,
		Amount:        amount,
		Currency:      e.Currency,
		DebitAccount:  escrow.AccountPlatformMerchant,
		CreditAccount: escrow.AccountClientWallet,
		Reference:     escrow.RefundRef(e.ID),
		Status:        escrow.EntryPending,
		Meta:          escrow.RefundMeta{Reason: reason, RefundAmount: amount},
	}); err != nil {
		return escrow.Escrow{}, err
	}

	return updated, nil
}

// ConfirmRefund records that the collaborator completed the gateway
// reversal: the REFUND_INITIATED entry confirms and a REFUND_SUCCESS row is
// appended.
func (s *Service) ConfirmRefund(ctx context.Context, escrowID, actorID string) (escrow.Escrow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusRefunded || e.RefundAmount == nil {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s)", ErrNotRefundable, e.Status)
	}

	if err := s.repo.SetEntryStatus(ctx, tx, escrow.RefundRef(e.ID), escrow.EntryConfirmed); err != nil {
		return escrow.Escrow{}, err
	}
	_, err = s.repo.InsertEntry(ctx, tx, escrow.Entry{
		EscrowID:      e.ID,
		TaskID:        &e.TaskID,
		UserID:        &e.ClientID,
		Type:          escrow.EntryRefundSuccess,
		Amount:        *e.RefundAmount,
		Currency:      e.Currency,
		DebitAccount:  escrow.AccountPlatformMerchant,
		CreditAccount: escrow.AccountClientWallet,
		Reference:     escrow.RefundSuccessRef(e.ID),
		Status:        escrow.EntryConfirmed,
		Meta:          escrow.RefundMeta{RefundAmount: *e.RefundAmount},
	})
	if err != nil && !errors.Is(err, escrow.ErrDuplicateReference) {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit refund confirm: %w", err)
	}

	s.audit(ctx, audit.Entry{EscrowID: escrowID, Action: "refund.settled", ActorID: actorID, Amount: *e.RefundAmount})
	return e, nil
}

// DisputeResolution names the admin decision ending a dispute.
type DisputeResolution string

const (
	ResolutionDismiss DisputeResolution = "dismiss"
	ResolutionRelease DisputeResolution = "release"
	ResolutionRefund  DisputeResolution = "refund"
)

// OpenDispute freezes a held escrow pending manual review.
func (s *Service) OpenDispute(ctx context.Context, escrowID, disputeID, reason, actorID string) (escrow.Escrow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusHeld {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s)", ErrNotHeld, e.Status)
	}

	updated, err := s.repo.SetStatus(ctx, tx, escrowID, escrow.StatusDisputed)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if _, err := s.repo.InsertEntry(ctx, tx, escrow.Entry{
		EscrowID:      e.ID,
		TaskID:        &e.TaskID,
		Type:          escrow.EntryDisputeHold,
		Amount:        e.RunnersNet,
		Currency:      e.Currency,
		DebitAccount:  escrow.AccountPlatformMerchant,
		CreditAccount: escrow.AccountPlatformMerchant,
		Reference:     escrow.DisputeHoldRef(disputeID),
		Status:        escrow.EntryConfirmed,
		Meta:          escrow.DisputeMeta{DisputeID: disputeID, Reason: reason},
	}); err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit dispute hold: %w", err)
	}

	s.audit(ctx, audit.Entry{EscrowID: escrowID, Action: "dispute.opened", ActorID: actorID, Reason: reason})
	s.observe("dispute_hold", "ok")
	return updated, nil
}

// ResolveDispute ends a dispute per the admin decision: dismiss restores
// the hold, release authorizes payout, refund returns funds to the client.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, disputeID string, resolution DisputeResolution, actorID string) (escrow.Escrow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusDisputed {
		return escrow.Escrow{}, fmt.Errorf("%w (status=%s)", ErrNotDisputed, e.Status)
	}

	if _, err := s.repo.InsertEntry(ctx, tx, escrow.Entry{
		EscrowID:      e.ID,
		TaskID:        &e.TaskID,
		Type:          escrow.EntryDisputeResolved,
		Amount:        e.RunnersNet,
		Currency:      e.Currency,
		DebitAccount:  escrow.AccountPlatformMerchant,
		CreditAccount: escrow.AccountPlatformMerchant,
		Reference:     escrow.DisputeResolvedRef(disputeID),
		Status:        escrow.EntryConfirmed,
		Meta:          escrow.DisputeMeta{DisputeID: disputeID, Resolution: string(resolution)},
	}); err != nil {
		return escrow.Escrow{}, err
	}

	var updated escrow.Escrow
	switch resolution {
	case ResolutionDismiss:
		updated, err = s.repo.SetStatus(ctx, tx, escrowID, escrow.StatusHeld)
	case ResolutionRelease:
		updated, err = s.releaseLocked(ctx, tx, e, escrow.ReleaseManual)
	case ResolutionRefund:
		updated, err = s.refundLocked(ctx, tx, e, "dispute_resolved")
	default:
		return escrow.Escrow{}, fmt.Errorf("payout: unknown dispute resolution %q", resolution)
	}
	if err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("payout: commit dispute resolution: %w", err)
	}

	s.audit(ctx, audit.Entry{
		EscrowID: escrowID,
		Action:   "dispute.resolved",
		ActorID:  actorID,
		Reason:   string(resolution),
	})
	s.observe("dispute_resolve", "ok")
	return updated, nil
}

// GetEscrowDetails returns the escrow joined with its ordered journal.
func (s *Service) GetEscrowDetails(ctx context.Context, escrowID string) (escrow.Details, error) {
	e, err := s.repo.Get(ctx, s.db, escrowID)
	if err != nil {
		return escrow.Details{}, err
	}
	entries, err := s.repo.ListEntries(ctx, s.db, escrowID)
	if err != nil {
		return escrow.Details{}, err
	}
	return escrow.Details{Escrow: e, Ledger: entries}, nil
}

func (s *Service) audit(ctx context.Context, e audit.Entry) {
	if s.sink != nil {
		s.sink.Record(ctx, e)
	}
}

func (s *Service) observe(action, result string) {
	if s.metrics != nil {
		s.metrics.observeTransition(action, result)
	}
}

func refundAmount(e escrow.Escrow) float64 {
	// The booking fee is non-refundable by policy.
	return math.Round((e.TotalHeld-e.BookingFee)*100) / 100
}

func mapRailState(state fnb.State) escrow.RailStatus {
	switch state {
	case fnb.StateSubmitted:
		return escrow.RailSubmitted
	case fnb.StateProcessing:
		return escrow.RailProcessing
	case fnb.StateSuccess:
		return escrow.RailSuccess
	case fnb.StateFailed:
		return escrow.RailFailed
	case fnb.StateRejected:
		return escrow.RailRejected
	default:
		return escrow.RailPending
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
