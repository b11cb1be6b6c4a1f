package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"taskpay/escrow"
	"taskpay/fees"
	"taskpay/fnb"
	"taskpay/runner"
)

func newTestService(repo *fakeRepo, rail *fakeRail) (*Service, *fakePool) {
	pool := &fakePool{}
	calc, _ := fees.NewCalculator(fees.DefaultConfig())
	svc := NewService(pool, repo, rail, &fakeRunners{}, calc).
		WithIDGenerator(func() string { return "esc-1" }).
		WithClock(func() time.Time { return time.Unix(1700000000, 0) })
	return svc, pool
}

func TestCreateEscrow_FreezesBreakdownAndJournals(t *testing.T) {
	repo := &fakeRepo{}
	svc, pool := newTestService(repo, &fakeRail{})

	created, err := svc.CreateEscrow(context.Background(), CreateEscrowParams{
		TaskID:     "task-1",
		ClientID:   "client-1",
		RunnerID:   "runner-1",
		TaskPrice:  500,
		Currency:   "ZAR",
		PaymentRef: "pay-abc",
	})
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if created.TotalHeld != 508 || created.Commission != 75 || created.RunnersNet != 425 {
		t.Fatalf("breakdown: held=%v commission=%v net=%v", created.TotalHeld, created.Commission, created.RunnersNet)
	}
	if created.Status != escrow.StatusPending {
		t.Errorf("status = %s, want pending", created.Status)
	}
	if len(repo.entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(repo.entries))
	}
	deposit, fee, hold := repo.entries[0], repo.entries[1], repo.entries[2]
	if deposit.Type != escrow.EntryDeposit || deposit.Amount != 508 {
		t.Errorf("deposit entry: %+v", deposit)
	}
	if fee.Type != escrow.EntryBookingFee || fee.Amount != 8 {
		t.Errorf("fee entry: %+v", fee)
	}
	if hold.Type != escrow.EntryEscrowHold || hold.Amount != 500 {
		t.Errorf("hold entry: %+v", hold)
	}
	if deposit.Amount != fee.Amount+hold.Amount {
		t.Errorf("deposit %v != fee %v + hold %v", deposit.Amount, fee.Amount, hold.Amount)
	}
	if !pool.lastTx().committed {
		t.Errorf("expected commit")
	}
}

func TestCreateEscrow_DuplicatePaymentRef(t *testing.T) {
	repo := &fakeRepo{insertEscrowErr: escrow.ErrDuplicatePaymentRef}
	svc, pool := newTestService(repo, &fakeRail{})

	_, err := svc.CreateEscrow(context.Background(), CreateEscrowParams{
		TaskID: "task-1", ClientID: "c", RunnerID: "r", TaskPrice: 500, PaymentRef: "pay-abc",
	})
	if !errors.Is(err, escrow.ErrDuplicatePaymentRef) {
		t.Fatalf("err = %v, want ErrDuplicatePaymentRef", err)
	}
	if pool.lastTx().committed {
		t.Errorf("expected rollback, got commit")
	}
	if len(repo.entries) != 0 {
		t.Errorf("no entries expected on duplicate, got %d", len(repo.entries))
	}
}

func TestMarkPaymentSettled(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusPending)}
	repo.e.PaymentStatus = escrow.PaymentPending
	svc, _ := newTestService(repo, &fakeRail{})

	updated, err := svc.MarkPaymentSettled(context.Background(), "esc-1", "pay-abc")
	if err != nil {
		t.Fatalf("MarkPaymentSettled: %v", err)
	}
	if updated.Status != escrow.StatusHeld || updated.PaymentStatus != escrow.PaymentSettled {
		t.Fatalf("got %s/%s, want held/settled", updated.Status, updated.PaymentStatus)
	}
	if got := repo.entryStatus["DEP-pay-abc"]; got != escrow.EntryConfirmed {
		t.Errorf("deposit entry status = %s, want confirmed", got)
	}
	if got := repo.entryStatus["FEE-pay-abc"]; got != escrow.EntryConfirmed {
		t.Errorf("fee entry status = %s, want confirmed", got)
	}

	if _, err := svc.MarkPaymentSettled(context.Background(), "esc-1", "pay-abc"); !errors.Is(err, ErrNotPending) {
		t.Errorf("second settle err = %v, want ErrNotPending", err)
	}
}

func TestMarkPaymentSettled_RefMismatch(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusPending)}
	repo.e.PaymentStatus = escrow.PaymentPending
	svc, _ := newTestService(repo, &fakeRail{})

	if _, err := svc.MarkPaymentSettled(context.Background(), "esc-1", "wrong-ref"); !errors.Is(err, ErrPaymentRefMismatch) {
		t.Fatalf("err = %v, want ErrPaymentRefMismatch", err)
	}
	if _, err := svc.MarkPaymentSettled(context.Background(), "esc-1", ""); !errors.Is(err, ErrPaymentRefMismatch) {
		t.Fatalf("empty ref err = %v, want ErrPaymentRefMismatch", err)
	}
	if repo.e.Status != escrow.StatusPending {
		t.Errorf("status = %s, want pending", repo.e.Status)
	}
}

func TestReleaseEscrow(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusHeld)}
	svc, _ := newTestService(repo, &fakeRail{})

	updated, err := svc.ReleaseEscrow(context.Background(), "esc-1", escrow.ReleaseTaskCompleted, "admin-1")
	if err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if updated.Status != escrow.StatusReleased {
		t.Fatalf("status = %s, want released", updated.Status)
	}
	if got := repo.entryStatus["HOLD-pay-abc"]; got != escrow.EntryConfirmed {
		t.Errorf("hold entry status = %s, want confirmed", got)
	}

	var commission, payout *escrow.Entry
	for i := range repo.entries {
		switch repo.entries[i].Type {
		case escrow.EntryCommission:
			commission = &repo.entries[i]
		case escrow.EntryPayoutInitiated:
			payout = &repo.entries[i]
		}
	}
	if commission == nil || commission.Amount != 75 {
		t.Fatalf("commission entry: %+v", commission)
	}
	if payout == nil || payout.Amount != 425 || payout.Status != escrow.EntryPending {
		t.Fatalf("payout entry: %+v", payout)
	}
}

func TestReleaseEscrow_TerminalStateRejected(t *testing.T) {
	for _, status := range []escrow.Status{escrow.StatusReleased, escrow.StatusRefunded, escrow.StatusPending} {
		repo := &fakeRepo{e: heldFixture(status)}
		svc, _ := newTestService(repo, &fakeRail{})
		if _, err := svc.ReleaseEscrow(context.Background(), "esc-1", escrow.ReleaseManual, "admin-1"); !errors.Is(err, ErrNotHeld) {
			t.Errorf("status %s: err = %v, want ErrNotHeld", status, err)
		}
	}
}

func TestReleaseEscrow_SurchargeEntries(t *testing.T) {
	e := heldFixture(escrow.StatusHeld)
	e.PeakSurcharge = 50
	e.WeightSurcharge = 25
	e.DistanceSurcharge = 50
	e.RunnersNet = 550
	repo := &fakeRepo{e: e}
	svc, _ := newTestService(repo, &fakeRail{})

	if _, err := svc.ReleaseEscrow(context.Background(), "esc-1", escrow.ReleaseTaskCompleted, ""); err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	var kinds []string
	for _, entry := range repo.entries {
		if entry.Type == escrow.EntrySurcharge {
			kinds = append(kinds, entry.Meta.(escrow.FeeMeta).Kind)
		}
	}
	if len(kinds) != 3 {
		t.Fatalf("surcharge entries = %v, want distance/peak/weight", kinds)
	}
}

func TestRefundEscrow_BookingFeeWithheld(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusHeld)}
	svc, _ := newTestService(repo, &fakeRail{})

	updated, err := svc.RefundEscrow(context.Background(), "esc-1", "client cancelled", "admin-1")
	if err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}
	if updated.Status != escrow.StatusRefunded {
		t.Fatalf("status = %s, want refunded", updated.Status)
	}
	if updated.RefundAmount == nil || *updated.RefundAmount != 500 {
		t.Fatalf("refund amount = %v, want 500", updated.RefundAmount)
	}
	if got := repo.entryStatus["HOLD-pay-abc"]; got != escrow.EntryFailed {
		t.Errorf("hold entry status = %s, want failed", got)
	}
}

func TestRefundEscrow_ReleasedRejected(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusReleased)}
	svc, _ := newTestService(repo, &fakeRail{})

	if _, err := svc.RefundEscrow(context.Background(), "esc-1", "too late", ""); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("err = %v, want ErrNotRefundable", err)
	}
}

func TestInitiatePayout(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusReleased)}
	rail := &fakeRail{instruction: fnb.Instruction{ID: "instr-9", State: fnb.StateSubmitted}}
	svc, _ := newTestService(repo, rail)

	updated, err := svc.InitiatePayout(context.Background(), "esc-1", "admin-1")
	if err != nil {
		t.Fatalf("InitiatePayout: %v", err)
	}
	if updated.InstructionID == nil || *updated.InstructionID != "instr-9" {
		t.Fatalf("instruction id = %v, want instr-9", updated.InstructionID)
	}
	if updated.RailStatus != escrow.RailSubmitted {
		t.Errorf("rail status = %s, want submitted", updated.RailStatus)
	}
	if len(rail.payments) != 1 {
		t.Fatalf("rail payments = %d, want 1", len(rail.payments))
	}
	p := rail.payments[0]
	if p.Amount != 425 || p.DestinationAccount != "62000000001" {
		t.Errorf("payment = %+v", p)
	}
}

func TestInitiatePayout_NotReleased(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusHeld)}
	rail := &fakeRail{}
	svc, _ := newTestService(repo, rail)

	if _, err := svc.InitiatePayout(context.Background(), "esc-1", ""); !errors.Is(err, ErrNotReleased) {
		t.Fatalf("err = %v, want ErrNotReleased", err)
	}
	if len(rail.payments) != 0 {
		t.Errorf("rail must not be called")
	}
}

func TestInitiatePayout_SubmitFailureClearsClaim(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusReleased)}
	rail := &fakeRail{createErr: &fnb.APIError{StatusCode: 502, Code: "EFT-500", Message: "gateway down"}}
	svc, _ := newTestService(repo, rail)

	_, err := svc.InitiatePayout(context.Background(), "esc-1", "")
	if err == nil || !fnb.IsAPIError(err) {
		t.Fatalf("err = %v, want wrapped APIError", err)
	}
	if repo.e.PayoutRef != nil {
		t.Errorf("claim not cleared: %v", *repo.e.PayoutRef)
	}
	if repo.e.InstructionID != nil {
		t.Errorf("instruction must not be recorded on submit failure")
	}
	if repo.e.RetryCount != 0 {
		t.Errorf("retry count = %d, submit failures do not consume attempts", repo.e.RetryCount)
	}

	// The escrow is untouched, so a plain re-invoke goes through.
	rail.createErr = nil
	rail.instruction = fnb.Instruction{ID: "instr-2", State: fnb.StateSubmitted}
	if _, err := svc.InitiatePayout(context.Background(), "esc-1", ""); err != nil {
		t.Fatalf("re-invoke after submit failure: %v", err)
	}
}

func TestInitiatePayout_ClaimConflict(t *testing.T) {
	e := heldFixture(escrow.StatusReleased)
	ref := "EFT-other"
	instr := "instr-1"
	e.PayoutRef, e.InstructionID = &ref, &instr
	e.RailStatus = escrow.RailProcessing
	repo := &fakeRepo{e: e}
	rail := &fakeRail{}
	svc, _ := newTestService(repo, rail)

	if _, err := svc.InitiatePayout(context.Background(), "esc-1", ""); !errors.Is(err, escrow.ErrPayoutInFlight) {
		t.Fatalf("err = %v, want ErrPayoutInFlight", err)
	}
	if len(rail.payments) != 0 {
		t.Errorf("rail must not be called while another payout is in flight")
	}
}

func TestInitiatePayout_RetryExhausted(t *testing.T) {
	e := heldFixture(escrow.StatusReleased)
	e.RetryCount = 3
	e.RailStatus = escrow.RailFailed
	repo := &fakeRepo{e: e}
	rail := &fakeRail{}
	svc, _ := newTestService(repo, rail)

	if _, err := svc.InitiatePayout(context.Background(), "esc-1", ""); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if len(rail.payments) != 0 {
		t.Errorf("rail must not be called past the retry ceiling")
	}
}

func TestPollPayoutStatus_Success(t *testing.T) {
	e := heldFixture(escrow.StatusReleased)
	ref, instr := "EFT-x", "instr-9"
	e.PayoutRef, e.InstructionID = &ref, &instr
	e.RailStatus = escrow.RailProcessing
	repo := &fakeRepo{e: e}
	rail := &fakeRail{status: fnb.PaymentStatus{State: fnb.StateSuccess}}
	svc, _ := newTestService(repo, rail)

	updated, err := svc.PollPayoutStatus(context.Background(), "esc-1", "")
	if err != nil {
		t.Fatalf("PollPayoutStatus: %v", err)
	}
	if updated.RailStatus != escrow.RailSuccess || updated.PayoutCompletedAt == nil {
		t.Fatalf("got %s completed=%v, want success with timestamp", updated.RailStatus, updated.PayoutCompletedAt)
	}
	var found bool
	for _, entry := range repo.entries {
		if entry.Type == escrow.EntryPayoutSuccess && entry.Status == escrow.EntryConfirmed {
			found = true
		}
	}
	if !found {
		t.Errorf("expected confirmed PAYOUT_SUCCESS entry")
	}
	if got := repo.entryStatus["PAYOUT-esc-1"]; got != escrow.EntryConfirmed {
		t.Errorf("initiation entry status = %s, want confirmed", got)
	}

	// A repeated poll on a settled payout is a noop.
	again, err := svc.PollPayoutStatus(context.Background(), "esc-1", "")
	if err != nil {
		t.Fatalf("repeat poll: %v", err)
	}
	if rail.statusCalls != 1 {
		t.Errorf("rail polled %d times, want 1", rail.statusCalls)
	}
	if again.RailStatus != escrow.RailSuccess {
		t.Errorf("repeat poll status = %s", again.RailStatus)
	}
}

func TestPollPayoutStatus_FailureBumpsRetry(t *testing.T) {
	e := heldFixture(escrow.StatusReleased)
	ref, instr := "EFT-x", "instr-9"
	e.PayoutRef, e.InstructionID = &ref, &instr
	e.RailStatus = escrow.RailProcessing
	repo := &fakeRepo{e: e}
	rail := &fakeRail{status: fnb.PaymentStatus{State: fnb.StateFailed, FailureReason: "account closed"}}
	svc, _ := newTestService(repo, rail)

	updated, err := svc.PollPayoutStatus(context.Background(), "esc-1", "admin-1")
	if err != nil {
		t.Fatalf("PollPayoutStatus: %v", err)
	}
	if updated.RailStatus != escrow.RailFailed {
		t.Errorf("rail status = %s, want failed", updated.RailStatus)
	}
	if updated.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", updated.RetryCount)
	}
	if updated.InstructionID != nil {
		t.Errorf("instruction id not cleared for re-initiation")
	}
	if updated.Status != escrow.StatusReleased {
		t.Errorf("escrow left released for retry, got %s", updated.Status)
	}
	var failEntry *escrow.Entry
	for i := range repo.entries {
		if repo.entries[i].Type == escrow.EntryPayoutFailed {
			failEntry = &repo.entries[i]
		}
	}
	if failEntry == nil {
		t.Fatalf("expected PAYOUT_FAILED entry")
	}
	meta := failEntry.Meta.(escrow.PayoutMeta)
	if meta.FailureReason != "account closed" || meta.RetryCount != 1 {
		t.Errorf("failure meta = %+v", meta)
	}
}

func TestPollPayoutStatus_StalePollCountsFailureOnce(t *testing.T) {
	e := heldFixture(escrow.StatusReleased)
	ref, instr := "EFT-x", "instr-9"
	e.PayoutRef, e.InstructionID = &ref, &instr
	e.RailStatus = escrow.RailProcessing
	repo := &fakeRepo{e: e}
	rail := &fakeRail{status: fnb.PaymentStatus{State: fnb.StateFailed, FailureReason: "account closed"}}
	svc, _ := newTestService(repo, rail)

	// A concurrent poll commits the failure after this poll's unlocked read
	// but before it takes the row lock.
	repo.beforeLock = func(f *fakeRepo) {
		f.beforeLock = nil
		if _, err := f.RecordPayoutFailure(context.Background(), nil, "esc-1", escrow.RailFailed); err != nil {
			t.Fatalf("concurrent failure record: %v", err)
		}
		f.entries = append(f.entries, escrow.Entry{
			EscrowID:  "esc-1",
			Type:      escrow.EntryPayoutFailed,
			Reference: escrow.PayoutFailureRef("instr-9", 1),
			Status:    escrow.EntryFailed,
		})
	}

	updated, err := svc.PollPayoutStatus(context.Background(), "esc-1", "admin-1")
	if err != nil {
		t.Fatalf("PollPayoutStatus: %v", err)
	}
	if updated.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1; one rail failure consumes one attempt", updated.RetryCount)
	}
	var failEntries int
	for _, entry := range repo.entries {
		if entry.Type == escrow.EntryPayoutFailed {
			failEntries++
		}
	}
	if failEntries != 1 {
		t.Errorf("PAYOUT_FAILED entries = %d, want 1", failEntries)
	}
}

func TestPollPayoutStatus_NoInstruction(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusReleased)}
	svc, _ := newTestService(repo, &fakeRail{})

	if _, err := svc.PollPayoutStatus(context.Background(), "esc-1", ""); !errors.Is(err, ErrNoInstruction) {
		t.Fatalf("err = %v, want ErrNoInstruction", err)
	}
}

func TestAbandonPayoutClaim_ReadmitsStuckClaim(t *testing.T) {
	e := heldFixture(escrow.StatusReleased)
	ref := "EFT-stuck"
	e.PayoutRef = &ref
	e.RailStatus = escrow.RailPending
	repo := &fakeRepo{e: e}
	rail := &fakeRail{instruction: fnb.Instruction{ID: "instr-2", State: fnb.StateSubmitted}}
	svc, _ := newTestService(repo, rail)

	// A claim with a pending fnb status and no instruction is the wreckage
	// of an instruction write that never committed. Initiation cannot
	// reclaim it on its own.
	if _, err := svc.InitiatePayout(context.Background(), "esc-1", ""); !errors.Is(err, escrow.ErrPayoutInFlight) {
		t.Fatalf("initiate on stuck claim err = %v, want ErrPayoutInFlight", err)
	}

	cleared, err := svc.AbandonPayoutClaim(context.Background(), "esc-1", "admin-1")
	if err != nil {
		t.Fatalf("AbandonPayoutClaim: %v", err)
	}
	if cleared.PayoutRef != nil {
		t.Fatalf("payout ref = %q, want cleared", *cleared.PayoutRef)
	}

	updated, err := svc.InitiatePayout(context.Background(), "esc-1", "admin-1")
	if err != nil {
		t.Fatalf("InitiatePayout after clear: %v", err)
	}
	if updated.InstructionID == nil || *updated.InstructionID != "instr-2" {
		t.Errorf("instruction id = %v, want instr-2", updated.InstructionID)
	}
}

func TestAbandonPayoutClaim_InstructionRecorded(t *testing.T) {
	e := heldFixture(escrow.StatusReleased)
	ref, instr := "EFT-x", "instr-9"
	e.PayoutRef, e.InstructionID = &ref, &instr
	e.RailStatus = escrow.RailProcessing
	repo := &fakeRepo{e: e}
	svc, _ := newTestService(repo, &fakeRail{})

	if _, err := svc.AbandonPayoutClaim(context.Background(), "esc-1", "admin-1"); !errors.Is(err, escrow.ErrPayoutInFlight) {
		t.Fatalf("err = %v, want ErrPayoutInFlight", err)
	}
	if repo.e.PayoutRef == nil || repo.e.InstructionID == nil {
		t.Errorf("claim must stay intact while an instruction is recorded")
	}
}

func TestRailLatencyObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := &fakeRepo{e: heldFixture(escrow.StatusReleased)}
	rail := &fakeRail{
		instruction: fnb.Instruction{ID: "instr-9", State: fnb.StateSubmitted},
		status:      fnb.PaymentStatus{State: fnb.StateSuccess},
	}
	svc, _ := newTestService(repo, rail)
	svc.WithMetrics(NewMetrics(reg))

	if _, err := svc.InitiatePayout(context.Background(), "esc-1", ""); err != nil {
		t.Fatalf("InitiatePayout: %v", err)
	}
	if _, err := svc.PollPayoutStatus(context.Background(), "esc-1", ""); err != nil {
		t.Fatalf("PollPayoutStatus: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "taskpay_payout_rail_request_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	if samples != 2 {
		t.Errorf("rail latency samples = %d, want one per rail round-trip", samples)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusHeld)}
	svc, _ := newTestService(repo, &fakeRail{})
	ctx := context.Background()

	frozen, err := svc.OpenDispute(ctx, "esc-1", "dsp-1", "item damaged", "client-1")
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	if frozen.Status != escrow.StatusDisputed {
		t.Fatalf("status = %s, want disputed", frozen.Status)
	}
	if _, err := svc.ReleaseEscrow(ctx, "esc-1", escrow.ReleaseTaskCompleted, ""); !errors.Is(err, ErrNotHeld) {
		t.Errorf("release on disputed err = %v, want ErrNotHeld", err)
	}
	if _, err := svc.RefundEscrow(ctx, "esc-1", "x", ""); !errors.Is(err, ErrNotRefundable) {
		t.Errorf("refund on disputed err = %v, want ErrNotRefundable", err)
	}

	resolved, err := svc.ResolveDispute(ctx, "esc-1", "dsp-1", ResolutionRefund, "admin-1")
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if resolved.Status != escrow.StatusRefunded {
		t.Fatalf("status = %s, want refunded", resolved.Status)
	}
	if resolved.RefundAmount == nil || *resolved.RefundAmount != 500 {
		t.Errorf("refund amount = %v, want 500", resolved.RefundAmount)
	}
}

func TestResolveDispute_Dismiss(t *testing.T) {
	repo := &fakeRepo{e: heldFixture(escrow.StatusDisputed)}
	svc, _ := newTestService(repo, &fakeRail{})

	restored, err := svc.ResolveDispute(context.Background(), "esc-1", "dsp-1", ResolutionDismiss, "admin-1")
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if restored.Status != escrow.StatusHeld {
		t.Fatalf("status = %s, want held", restored.Status)
	}
}

func heldFixture(status escrow.Status) escrow.Escrow {
	return escrow.Escrow{
		ID:            "esc-1",
		TaskID:        "task-1",
		ClientID:      "client-1",
		RunnerID:      "runner-1",
		Currency:      "ZAR",
		TaskPrice:     500,
		BookingFee:    8,
		Commission:    75,
		TotalFees:     8,
		TotalHeld:     508,
		RunnersNet:    425,
		Status:        status,
		PaymentStatus: escrow.PaymentSettled,
		RailStatus:    escrow.RailPending,
		PaymentRef:    "pay-abc",
	}
}

type fakeRepo struct {
	e       escrow.Escrow
	entries []escrow.Entry

	entryStatus map[string]escrow.EntryStatus

	insertEscrowErr error
	insertEntryErr  error

	// beforeLock runs at the start of GetForUpdate, standing in for writes
	// another transaction commits before this one gets the row lock.
	beforeLock func(f *fakeRepo)
}

func (f *fakeRepo) InsertEscrow(ctx context.Context, tx pgx.Tx, e escrow.Escrow) (escrow.Escrow, error) {
	if f.insertEscrowErr != nil {
		return escrow.Escrow{}, f.insertEscrowErr
	}
	f.e = e
	return e, nil
}

func (f *fakeRepo) InsertEntry(ctx context.Context, tx pgx.Tx, e escrow.Entry) (escrow.Entry, error) {
	if f.insertEntryErr != nil {
		return escrow.Entry{}, f.insertEntryErr
	}
	for _, existing := range f.entries {
		if existing.Reference == e.Reference {
			return escrow.Entry{}, escrow.ErrDuplicateReference
		}
	}
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeRepo) Get(ctx context.Context, q escrow.Queryer, id string) (escrow.Escrow, error) {
	if f.e.ID != id {
		return escrow.Escrow{}, escrow.ErrNotFound
	}
	return f.e, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Escrow, error) {
	if f.beforeLock != nil {
		f.beforeLock(f)
	}
	return f.Get(ctx, nil, id)
}

func (f *fakeRepo) MarkSettled(ctx context.Context, tx pgx.Tx, id string) (escrow.Escrow, error) {
	f.e.Status = escrow.StatusHeld
	f.e.PaymentStatus = escrow.PaymentSettled
	return f.e, nil
}

func (f *fakeRepo) MarkReleased(ctx context.Context, tx pgx.Tx, id string, reason escrow.ReleaseReason) (escrow.Escrow, error) {
	now := time.Now()
	f.e.Status = escrow.StatusReleased
	f.e.ReleasedAt = &now
	f.e.ReleaseReason = &reason
	return f.e, nil
}

func (f *fakeRepo) MarkRefunded(ctx context.Context, tx pgx.Tx, id string, amount float64) (escrow.Escrow, error) {
	f.e.Status = escrow.StatusRefunded
	f.e.RefundAmount = &amount
	return f.e, nil
}

func (f *fakeRepo) SetStatus(ctx context.Context, tx pgx.Tx, id string, status escrow.Status) (escrow.Escrow, error) {
	f.e.Status = status
	return f.e, nil
}

func (f *fakeRepo) ClaimPayout(ctx context.Context, tx pgx.Tx, id, payoutRef string) (escrow.Escrow, error) {
	claimable := f.e.InstructionID == nil &&
		(f.e.PayoutRef == nil || f.e.RailStatus == escrow.RailFailed || f.e.RailStatus == escrow.RailRejected)
	if f.e.Status != escrow.StatusReleased || !claimable {
		return escrow.Escrow{}, escrow.ErrPayoutInFlight
	}
	f.e.PayoutRef = &payoutRef
	f.e.RailStatus = escrow.RailPending
	return f.e, nil
}

func (f *fakeRepo) ClearPayoutClaim(ctx context.Context, tx pgx.Tx, id, payoutRef string) error {
	if f.e.PayoutRef != nil && *f.e.PayoutRef == payoutRef && f.e.InstructionID == nil {
		f.e.PayoutRef = nil
	}
	return nil
}

func (f *fakeRepo) RecordInstruction(ctx context.Context, tx pgx.Tx, id, instructionID string, state escrow.RailStatus) (escrow.Escrow, error) {
	if f.e.InstructionID != nil {
		return escrow.Escrow{}, escrow.ErrPayoutInFlight
	}
	f.e.InstructionID = &instructionID
	f.e.RailStatus = state
	return f.e, nil
}

func (f *fakeRepo) SetRailStatus(ctx context.Context, tx pgx.Tx, id string, state escrow.RailStatus) (escrow.Escrow, error) {
	f.e.RailStatus = state
	return f.e, nil
}

func (f *fakeRepo) RecordPayoutSuccess(ctx context.Context, tx pgx.Tx, id string) (escrow.Escrow, error) {
	now := time.Now()
	f.e.RailStatus = escrow.RailSuccess
	f.e.PayoutCompletedAt = &now
	return f.e, nil
}

func (f *fakeRepo) RecordPayoutFailure(ctx context.Context, tx pgx.Tx, id string, state escrow.RailStatus) (escrow.Escrow, error) {
	now := time.Now()
	f.e.RailStatus = state
	f.e.RetryCount++
	f.e.LastRetryAt = &now
	f.e.InstructionID = nil
	return f.e, nil
}

func (f *fakeRepo) SetEntryStatus(ctx context.Context, tx pgx.Tx, reference string, status escrow.EntryStatus) error {
	if f.entryStatus == nil {
		f.entryStatus = make(map[string]escrow.EntryStatus)
	}
	f.entryStatus[reference] = status
	for i := range f.entries {
		if f.entries[i].Reference == reference {
			f.entries[i].Status = status
		}
	}
	return nil
}

func (f *fakeRepo) AnnotateEntry(ctx context.Context, tx pgx.Tx, reference string, meta escrow.Meta) error {
	return nil
}

func (f *fakeRepo) ListEntries(ctx context.Context, q escrow.Queryer, escrowID string) ([]escrow.Entry, error) {
	return f.entries, nil
}

type fakeRail struct {
	instruction fnb.Instruction
	createErr   error
	status      fnb.PaymentStatus
	statusErr   error

	payments    []fnb.EFTPayment
	statusCalls int
}

func (f *fakeRail) CreateEFTPayment(ctx context.Context, p fnb.EFTPayment) (fnb.Instruction, error) {
	if f.createErr != nil {
		return fnb.Instruction{}, f.createErr
	}
	f.payments = append(f.payments, p)
	return f.instruction, nil
}

func (f *fakeRail) GetPaymentStatus(ctx context.Context, instructionID string) (fnb.PaymentStatus, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return fnb.PaymentStatus{}, f.statusErr
	}
	return f.status, nil
}

type fakeRunners struct{}

func (fakeRunners) GetDestination(ctx context.Context, runnerID string) (runner.Destination, error) {
	return runner.Destination{
		AccountNumber: "62000000001",
		AccountName:   "R Runner",
		BranchCode:    "250655",
	}, nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakePool) lastTx() *fakeTx {
	if len(f.txs) == 0 {
		return &fakeTx{}
	}
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
