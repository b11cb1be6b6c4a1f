package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_deposit_decomposition",
			SQL: `SELECT d.escrow_id, d.amount, f.amount, h.amount
                  FROM ledger_entries d
                  JOIN ledger_entries f ON f.escrow_id = d.escrow_id AND f.entry_type = 'BOOKING_FEE'
                  JOIN ledger_entries h ON h.escrow_id = d.escrow_id AND h.entry_type = 'ESCROW_HOLD'
                  WHERE d.entry_type = 'DEPOSIT' AND d.amount <> f.amount + h.amount`,
		},
		{
			Name: "O2_frozen_breakdown",
			SQL: `SELECT id FROM escrows
                  WHERE total_held <> task_price + booking_fee
                     OR runners_net <> round(task_price + distance_surcharge + peak_surcharge
                                             + weight_surcharge + urgency_surcharge - commission, 2)`,
		},
		{
			Name: "O3_unique_inflight_instruction",
			SQL: `SELECT instruction_id, COUNT(*) FROM escrows
                  WHERE instruction_id IS NOT NULL
                  GROUP BY instruction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_retry_ceiling",
			SQL:  `SELECT id, retry_count FROM escrows WHERE retry_count > 3`,
		},
		{
			Name: "O5_payout_matches_net",
			SQL: `SELECT l.escrow_id, l.amount, e.runners_net
                  FROM ledger_entries l
                  JOIN escrows e ON e.id = l.escrow_id
                  WHERE l.entry_type IN ('PAYOUT_INITIATED','PAYOUT_SUCCESS')
                    AND l.amount <> e.runners_net`,
		},
		{
			Name: "O6_refund_withholds_booking_fee",
			SQL: `SELECT l.escrow_id, l.amount
                  FROM ledger_entries l
                  JOIN escrows e ON e.id = l.escrow_id
                  WHERE l.entry_type = 'REFUND_INITIATED'
                    AND l.amount <> round(e.total_held - e.booking_fee, 2)`,
		},
		{
			Name: "O7_settled_entries_confirmed",
			SQL: `SELECT e.id FROM escrows e
                  WHERE e.payment_status = 'settled'
                    AND EXISTS (SELECT 1 FROM ledger_entries l
                                WHERE l.escrow_id = e.id
                                  AND l.entry_type IN ('DEPOSIT','BOOKING_FEE')
                                  AND l.status <> 'confirmed')`,
		},
		{
			Name: "O8_terminal_state_conflict",
			SQL: `SELECT e.id, e.status FROM escrows e
                  WHERE (e.status = 'refunded' AND EXISTS (SELECT 1 FROM ledger_entries l
                             WHERE l.escrow_id = e.id AND l.entry_type = 'PAYOUT_SUCCESS'))
                     OR (e.status = 'released' AND EXISTS (SELECT 1 FROM ledger_entries l
                             WHERE l.escrow_id = e.id AND l.entry_type = 'REFUND_INITIATED'))`,
		},
		{
			Name: "O9_payout_success_requires_release",
			SQL: `SELECT id FROM escrows
                  WHERE fnb_status = 'success' AND status <> 'released'`,
		},
		{
			Name: "O10_single_open_dispute",
			SQL: `SELECT escrow_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
