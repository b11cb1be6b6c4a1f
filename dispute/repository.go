package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrForbidden   = errors.New("dispute: forbidden")
	ErrAlreadyOpen = errors.New("dispute: escrow already has an open dispute")
	ErrBadStatus   = errors.New("dispute: invalid status transition")
)

const columns = `d.id, d.escrow_id, d.task_id, d.raised_by, d.reason, d.status::text, d.resolution, d.resolved_by, d.created_at, d.updated_at, d.resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.EscrowID, &rec.TaskID, &rec.RaisedBy, &rec.Reason,
		&rec.Status, &rec.Resolution, &rec.ResolvedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	return rec, err
}

// List returns disputes visible to a user: those raised by them or attached
// to an escrow they are party to. An empty escrowID lists all of them.
func (r *Repository) List(ctx context.Context, userID, escrowID string) ([]Record, error) {
	query := `
		SELECT ` + columns + `
		FROM disputes d
		JOIN escrows e ON e.id = d.escrow_id
		WHERE (d.raised_by = $1 OR e.client_id = $1 OR e.runner_id = $1)
	`
	args := []any{userID}
	if escrowID != "" {
		query += " AND d.escrow_id = $2"
		args = append(args, escrowID)
	}
	query += " ORDER BY d.created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, disputeID string) (Record, error) {
	query := `SELECT ` + columns + ` FROM disputes d WHERE d.id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// Create opens a dispute for an escrow the raiser is party to. The partial
// unique index on (escrow_id) WHERE status = 'open' rejects a second open
// dispute for the same escrow.
func (r *Repository) Create(ctx context.Context, id, escrowID, raisedBy, reason string) (Record, error) {
	const query = `
		INSERT INTO disputes (id, escrow_id, task_id, raised_by, reason, status)
		SELECT $1, e.id, e.task_id, $3, $4, 'open'
		FROM escrows e
		WHERE e.id = $2 AND (e.client_id = $3 OR e.runner_id = $3)
		RETURNING id, escrow_id, task_id, raised_by, reason, status::text, resolution, resolved_by, created_at, updated_at, resolved_at
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id, escrowID, raisedBy, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrForbidden
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// Delete removes a dispute row that never took effect.
func (r *Repository) Delete(ctx context.Context, disputeID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM disputes WHERE id = $1 AND status = 'open'`, disputeID); err != nil {
		return fmt.Errorf("dispute: delete: %w", err)
	}
	return nil
}

// Resolve closes an open dispute with the admin decision.
func (r *Repository) Resolve(ctx context.Context, disputeID, resolution, resolvedBy string) (Record, error) {
	query := `
		UPDATE disputes
		SET status = 'resolved',
		    resolution = $2,
		    resolved_by = $3,
		    resolved_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING id, escrow_id, task_id, raised_by, reason, status::text, resolution, resolved_by, created_at, updated_at, resolved_at
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, disputeID, resolution, resolvedBy))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: resolve fetch: %w", err)
	}
	if status == StatusResolved {
		return Record{}, ErrBadStatus
	}
	return Record{}, ErrNotFound
}
