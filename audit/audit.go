// Package audit records every admin-triggered escrow transition: who acted,
// what moved, and why. The engine never authenticates callers itself; the
// audit trail is how operators reconstruct that after the fact.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one audit row.
type Record struct {
	ID       int64
	EscrowID *string
	Action   string
	ActorID  *string
	Amount   *float64
	Reason   *string
	TS       time.Time
}

// Entry is the write-side shape.
type Entry struct {
	EscrowID string
	Action   string
	ActorID  string
	Amount   float64
	Reason   string
}

// Repository appends audit rows.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record appends one audit row. Audit failures never abort the financial
// transition they describe; they are logged and surfaced asynchronously.
func (r *Repository) Record(ctx context.Context, e Entry) {
	var actor, reason any
	if e.ActorID != "" {
		actor = e.ActorID
	}
	if e.Reason != "" {
		reason = e.Reason
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs (escrow_id, action, actor_id, amount, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, e.EscrowID, e.Action, actor, e.Amount, reason)
	if err != nil {
		slog.Error("audit: record failed", "action", e.Action, "escrow_id", e.EscrowID, "error", err)
	}
}

// ListByEscrow returns the audit trail for one escrow, oldest first.
func (r *Repository) ListByEscrow(ctx context.Context, escrowID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, action, actor_id, amount, reason, ts
		FROM audit_logs
		WHERE escrow_id = $1
		ORDER BY id ASC
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EscrowID, &rec.Action, &rec.ActorID, &rec.Amount, &rec.Reason, &rec.TS); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}
