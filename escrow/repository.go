package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrDuplicatePaymentRef signals a second funding attempt reusing the
	// same inbound gateway reference.
	ErrDuplicatePaymentRef = errors.New("escrow: duplicate payment reference")
	// ErrDuplicateReference signals a journal write that collided with an
	// existing entry for the same business event.
	ErrDuplicateReference = errors.New("escrow: duplicate ledger reference")
	// ErrPayoutInFlight signals another payout instruction already claimed
	// or submitted for the escrow.
	ErrPayoutInFlight = errors.New("escrow: payout already in flight")
)

// Queryer is satisfied by both pgxpool.Pool and pgx.Tx for read paths.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const escrowColumns = `
id, task_id, client_id, runner_id, currency, task_price, booking_fee,
commission, distance_surcharge, peak_surcharge, weight_surcharge,
urgency_surcharge, total_fees, total_held, runners_net,
status::text, payment_status::text, fnb_status::text, retry_count,
last_retry_at, payment_ref, payment_method, payout_ref, instruction_id,
released_at, release_reason, payout_completed_at, refund_amount,
created_at, updated_at`

func scanEscrow(row pgx.Row) (Escrow, error) {
	var e Escrow
	var reason *string
	err := row.Scan(
		&e.ID, &e.TaskID, &e.ClientID, &e.RunnerID, &e.Currency, &e.TaskPrice,
		&e.BookingFee, &e.Commission, &e.DistanceSurcharge, &e.PeakSurcharge,
		&e.WeightSurcharge, &e.UrgencySurcharge, &e.TotalFees, &e.TotalHeld,
		&e.RunnersNet, &e.Status, &e.PaymentStatus, &e.RailStatus,
		&e.RetryCount, &e.LastRetryAt, &e.PaymentRef, &e.PaymentMethod,
		&e.PayoutRef, &e.InstructionID, &e.ReleasedAt, &reason,
		&e.PayoutCompletedAt, &e.RefundAmount, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return Escrow{}, err
	}
	if reason != nil {
		r := ReleaseReason(*reason)
		e.ReleaseReason = &r
	}
	return e, nil
}

// InsertEscrow writes the escrow row inside the caller's transaction. The
// unique constraint on payment_ref rejects duplicate funding events.
func (r *Repository) InsertEscrow(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error) {
	const insertSQL = `
INSERT INTO escrows (
    id, task_id, client_id, runner_id, currency, task_price, booking_fee,
    commission, distance_surcharge, peak_surcharge, weight_surcharge,
    urgency_surcharge, total_fees, total_held, runners_net,
    status, payment_status, fnb_status, payment_ref, payment_method
) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,
    $16::escrow_status,$17::payment_status,$18::fnb_status,$19,$20
)
RETURNING ` + escrowColumns

	row := tx.QueryRow(ctx, insertSQL,
		e.ID, e.TaskID, e.ClientID, e.RunnerID, e.Currency, e.TaskPrice,
		e.BookingFee, e.Commission, e.DistanceSurcharge, e.PeakSurcharge,
		e.WeightSurcharge, e.UrgencySurcharge, e.TotalFees, e.TotalHeld,
		e.RunnersNet, e.Status, e.PaymentStatus, e.RailStatus,
		e.PaymentRef, e.PaymentMethod,
	)
	created, err := scanEscrow(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Escrow{}, ErrDuplicatePaymentRef
		}
		return Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return created, nil
}

// InsertEntry appends one journal row. A reference collision returns
// ErrDuplicateReference so retried events fail safely instead of
// double-counting money.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	if e.Amount < 0 {
		return Entry{}, fmt.Errorf("escrow: negative entry amount %f", e.Amount)
	}
	if e.Reference == "" {
		return Entry{}, fmt.Errorf("escrow: missing entry reference")
	}

	meta, err := EncodeMeta(e.Meta)
	if err != nil {
		return Entry{}, err
	}

	const insertSQL = `
INSERT INTO ledger_entries (
    escrow_id, task_id, user_id, entry_type, amount, currency,
    debit_account, credit_account, reference, status, meta
) VALUES ($1,$2,$3,$4::entry_type,$5,$6,$7::ledger_account,$8::ledger_account,$9,$10::entry_status,$11::jsonb)
RETURNING id, created_at`

	err = tx.QueryRow(ctx, insertSQL,
		e.EscrowID, e.TaskID, e.UserID, e.Type, e.Amount, e.Currency,
		e.DebitAccount, e.CreditAccount, e.Reference, e.Status, meta,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Entry{}, ErrDuplicateReference
		}
		return Entry{}, fmt.Errorf("escrow: insert entry: %w", err)
	}
	return e, nil
}

// Get fetches an escrow without locking.
func (r *Repository) Get(ctx context.Context, q Queryer, id string) (Escrow, error) {
	e, err := scanEscrow(q.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get: %w", err)
	}
	return e, nil
}

// GetForUpdate locks the escrow row for the duration of the transaction so
// a status transition is one short read-modify-write.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Escrow, error) {
	e, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return e, nil
}

// MarkSettled flips the inbound payment to settled and moves the hold to
// held. The caller validates the current state under the row lock.
func (r *Repository) MarkSettled(ctx context.Context, tx pgx.Tx, id string) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET status = 'held', payment_status = 'settled', updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + escrowColumns
	return r.mutate(ctx, tx, updateSQL, id)
}

// MarkReleased authorizes payout of the runner's net amount.
func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, id string, reason ReleaseReason) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET status = 'released',
    released_at = get_tx_timestamp(),
    release_reason = $2,
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + escrowColumns
	return r.mutate(ctx, tx, updateSQL, id, string(reason))
}

// MarkRefunded records the refund owed back to the client.
func (r *Repository) MarkRefunded(ctx context.Context, tx pgx.Tx, id string, amount float64) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET status = 'refunded', refund_amount = $2, updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + escrowColumns
	return r.mutate(ctx, tx, updateSQL, id, amount)
}

// SetStatus applies a bare status change (dispute hold and resolution).
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET status = $2::escrow_status, updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + escrowColumns
	return r.mutate(ctx, tx, updateSQL, id, status)
}

// ClaimPayout reserves the escrow for one payout attempt. The conditional
// predicate means two concurrent callers cannot both claim: the row lock
// serialises them and the loser matches zero rows.
func (r *Repository) ClaimPayout(ctx context.Context, tx pgx.Tx, id, payoutRef string) (Escrow, error) {
	const claimSQL = `
UPDATE escrows
SET payout_ref = $2, fnb_status = 'pending', updated_at = get_tx_timestamp()
WHERE id = $1
  AND status = 'released'
  AND instruction_id IS NULL
  AND (payout_ref IS NULL OR fnb_status IN ('failed','rejected'))
RETURNING ` + escrowColumns

	e, err := scanEscrow(tx.QueryRow(ctx, claimSQL, id, payoutRef))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, fmt.Errorf("escrow: claim payout: %w", err)
	}
	if _, err := r.Get(ctx, tx, id); err != nil {
		return Escrow{}, err
	}
	return Escrow{}, ErrPayoutInFlight
}

// ClearPayoutClaim releases a claim after the rail rejected the submission
// outright, restoring the pre-claim state so the operation is re-callable.
func (r *Repository) ClearPayoutClaim(ctx context.Context, tx pgx.Tx, id, payoutRef string) error {
	_, err := tx.Exec(ctx, `
UPDATE escrows
SET payout_ref = NULL, updated_at = get_tx_timestamp()
WHERE id = $1 AND payout_ref = $2 AND instruction_id IS NULL`, id, payoutRef)
	if err != nil {
		return fmt.Errorf("escrow: clear payout claim: %w", err)
	}
	return nil
}

// RecordInstruction stores the rail's instruction id once the submission was
// accepted. The partial unique index on instruction_id backstops the claim.
func (r *Repository) RecordInstruction(ctx context.Context, tx pgx.Tx, id, instructionID string, state RailStatus) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET instruction_id = $2, fnb_status = $3::fnb_status, updated_at = get_tx_timestamp()
WHERE id = $1 AND instruction_id IS NULL
RETURNING ` + escrowColumns

	e, err := scanEscrow(tx.QueryRow(ctx, updateSQL, id, instructionID, state))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrPayoutInFlight
		}
		if isUniqueViolation(err) {
			return Escrow{}, ErrPayoutInFlight
		}
		return Escrow{}, fmt.Errorf("escrow: record instruction: %w", err)
	}
	return e, nil
}

// SetRailStatus updates the visible rail state without touching the journal
// (SUBMITTED/PROCESSING polls).
func (r *Repository) SetRailStatus(ctx context.Context, tx pgx.Tx, id string, state RailStatus) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET fnb_status = $2::fnb_status, updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + escrowColumns
	return r.mutate(ctx, tx, updateSQL, id, state)
}

// RecordPayoutSuccess finalizes a successful rail instruction.
func (r *Repository) RecordPayoutSuccess(ctx context.Context, tx pgx.Tx, id string) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET fnb_status = 'success',
    payout_completed_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + escrowColumns
	return r.mutate(ctx, tx, updateSQL, id)
}

// RecordPayoutFailure bumps the retry counter for a FAILED/REJECTED poll.
// Clearing instruction_id lets the next initiation record a fresh one.
func (r *Repository) RecordPayoutFailure(ctx context.Context, tx pgx.Tx, id string, state RailStatus) (Escrow, error) {
	const updateSQL = `
UPDATE escrows
SET fnb_status = $2::fnb_status,
    retry_count = retry_count + 1,
    last_retry_at = get_tx_timestamp(),
    instruction_id = NULL,
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + escrowColumns
	return r.mutate(ctx, tx, updateSQL, id, state)
}

// SetEntryStatus flips a journal entry's settlement state by its unique
// reference. Amounts and accounts are never updated.
func (r *Repository) SetEntryStatus(ctx context.Context, tx pgx.Tx, reference string, status EntryStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE ledger_entries SET status = $2::entry_status WHERE reference = $1`, reference, status)
	if err != nil {
		return fmt.Errorf("escrow: set entry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: no ledger entry for reference %s", reference)
	}
	return nil
}

// AnnotateEntry merges updated metadata onto an existing entry.
func (r *Repository) AnnotateEntry(ctx context.Context, tx pgx.Tx, reference string, meta Meta) error {
	body, err := EncodeMeta(meta)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE ledger_entries SET meta = meta || $2::jsonb WHERE reference = $1`, reference, body)
	if err != nil {
		return fmt.Errorf("escrow: annotate entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: no ledger entry for reference %s", reference)
	}
	return nil
}

// ListEntries returns the escrow's full journal in append order.
func (r *Repository) ListEntries(ctx context.Context, q Queryer, escrowID string) ([]Entry, error) {
	const query = `
SELECT id, escrow_id, task_id, user_id, entry_type::text, amount, currency,
       debit_account::text, credit_account::text, reference, status::text,
       meta, created_at
FROM ledger_entries
WHERE escrow_id = $1
ORDER BY created_at ASC, id ASC`

	rows, err := q.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		var raw []byte
		if err := rows.Scan(
			&e.ID, &e.EscrowID, &e.TaskID, &e.UserID, &e.Type, &e.Amount,
			&e.Currency, &e.DebitAccount, &e.CreditAccount, &e.Reference,
			&e.Status, &raw, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("escrow: scan entry: %w", err)
		}
		meta, err := DecodeMeta(e.Type, raw)
		if err != nil {
			return nil, err
		}
		e.Meta = meta
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate entries: %w", err)
	}
	return out, nil
}

func (r *Repository) mutate(ctx context.Context, tx pgx.Tx, sql string, args ...any) (Escrow, error) {
	e, err := scanEscrow(tx.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: update: %w", err)
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
