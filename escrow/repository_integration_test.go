package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestEscrowLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and exercises the repository end to end: insert, settle,
// release, payout claim and the uniqueness backstops.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "escrows") || !tableExists(ctx, t, pool, "ledger_entries") {
		t.Skip("database schema missing; apply the migrations directory first")
	}

	repo := NewRepository()
	paymentRef := fmt.Sprintf("pay-int-%d", time.Now().UnixNano())

	base := Escrow{
		ID:            uuid.NewString(),
		TaskID:        uuid.NewString(),
		ClientID:      uuid.NewString(),
		RunnerID:      uuid.NewString(),
		Currency:      "ZAR",
		TaskPrice:     500,
		BookingFee:    8,
		Commission:    75,
		TotalFees:     8,
		TotalHeld:     508,
		RunnersNet:    425,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		RailStatus:    RailPending,
		PaymentRef:    paymentRef,
		PaymentMethod: "card",
	}

	// insert escrow and the opening journal rows
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	created, err := repo.InsertEscrow(ctx, tx, base)
	if err != nil {
		t.Fatalf("insert escrow: %v", err)
	}
	if _, err := repo.InsertEntry(ctx, tx, Entry{
		EscrowID: created.ID, Type: EntryDeposit, Amount: 508, Currency: "ZAR",
		DebitAccount: AccountClientWallet, CreditAccount: AccountPlatformMerchant,
		Reference: DepositRef(paymentRef), Status: EntryPending,
		Meta: FundingMeta{PaymentMethod: "card", GatewayRef: paymentRef},
	}); err != nil {
		t.Fatalf("insert deposit entry: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// duplicate payment ref must be rejected
	tx, _ = pool.Begin(ctx)
	dup := base
	dup.ID = uuid.NewString()
	if _, err := repo.InsertEscrow(ctx, tx, dup); !errors.Is(err, ErrDuplicatePaymentRef) {
		t.Fatalf("duplicate insert err = %v, want ErrDuplicatePaymentRef", err)
	}
	_ = tx.Rollback(ctx)

	// duplicate journal reference must be rejected
	tx, _ = pool.Begin(ctx)
	if _, err := repo.InsertEntry(ctx, tx, Entry{
		EscrowID: created.ID, Type: EntryDeposit, Amount: 508, Currency: "ZAR",
		DebitAccount: AccountClientWallet, CreditAccount: AccountPlatformMerchant,
		Reference: DepositRef(paymentRef), Status: EntryPending,
	}); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("duplicate entry err = %v, want ErrDuplicateReference", err)
	}
	_ = tx.Rollback(ctx)

	// settle then release
	tx, _ = pool.Begin(ctx)
	if _, err := repo.MarkSettled(ctx, tx, created.ID); err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	if err := repo.SetEntryStatus(ctx, tx, DepositRef(paymentRef), EntryConfirmed); err != nil {
		t.Fatalf("confirm deposit: %v", err)
	}
	if _, err := repo.MarkReleased(ctx, tx, created.ID, ReleaseTaskCompleted); err != nil {
		t.Fatalf("mark released: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit settle+release: %v", err)
	}

	got, err := repo.Get(ctx, pool, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusReleased || got.ReleasedAt == nil || got.ReleaseReason == nil {
		t.Fatalf("after release: %+v", got)
	}

	// first claim wins, second is refused while the claim is live
	tx, _ = pool.Begin(ctx)
	if _, err := repo.ClaimPayout(ctx, tx, created.ID, "EFT-claim-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit claim: %v", err)
	}

	tx, _ = pool.Begin(ctx)
	if _, err := repo.ClaimPayout(ctx, tx, created.ID, "EFT-claim-2"); !errors.Is(err, ErrPayoutInFlight) {
		t.Fatalf("second claim err = %v, want ErrPayoutInFlight", err)
	}
	_ = tx.Rollback(ctx)

	// record the instruction, then a failure frees the slot for a retry
	tx, _ = pool.Begin(ctx)
	if _, err := repo.RecordInstruction(ctx, tx, created.ID, "FNB-int-1", RailSubmitted); err != nil {
		t.Fatalf("record instruction: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit instruction: %v", err)
	}

	tx, _ = pool.Begin(ctx)
	failed, err := repo.RecordPayoutFailure(ctx, tx, created.ID, RailFailed)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if failed.RetryCount != 1 || failed.InstructionID != nil {
		t.Fatalf("after failure: retry=%d instruction=%v", failed.RetryCount, failed.InstructionID)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit failure: %v", err)
	}

	tx, _ = pool.Begin(ctx)
	if _, err := repo.ClaimPayout(ctx, tx, created.ID, "EFT-claim-3"); err != nil {
		t.Fatalf("reclaim after failure: %v", err)
	}
	_ = tx.Rollback(ctx)
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
