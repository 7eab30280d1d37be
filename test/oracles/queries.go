package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is one always-true property of the system, expressed as a query that
// must return zero rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// Transfers only move value between accounts, so the closed
			// system always sums to zero.
			Name: "O1_balance_conservation",
			SQL: `SELECT SUM(balance) FROM accounts
                  HAVING SUM(balance) <> 0`,
		},
		{
			// Backed by the unique constraint, but checked independently.
			Name: "O2_transfer_at_most_once",
			SQL: `SELECT exchange_id, COUNT(*) FROM transfers
                  GROUP BY exchange_id HAVING COUNT(*) > 1`,
		},
		{
			// A completed exchange has its settled amount and its transfer;
			// both are written in the completing transaction.
			Name: "O3_completed_fully_settled",
			SQL: `SELECT e.id FROM exchanges e
                  LEFT JOIN transfers t ON t.exchange_id = e.id
                  WHERE e.status = 'completed'
                    AND (e.final_hours IS NULL OR t.id IS NULL)`,
		},
		{
			// And only a completed exchange ever has either.
			Name: "O4_no_premature_settlement",
			SQL: `SELECT e.id, e.status FROM exchanges e
                  LEFT JOIN transfers t ON t.exchange_id = e.id
                  WHERE e.status <> 'completed'
                    AND (e.final_hours IS NOT NULL OR t.id IS NOT NULL)`,
		},
		{
			Name: "O5_transfer_matches_final_hours",
			SQL: `SELECT t.id FROM transfers t
                  JOIN exchanges e ON e.id = t.exchange_id
                  WHERE t.amount <> e.final_hours`,
		},
		{
			// Every status change chains off the previous one: no event trail
			// ever shows a jump the transition table would reject recording.
			Name: "O6_event_chain_contiguous",
			SQL: `WITH chain AS (
                      SELECT exchange_id, old_status, new_status,
                             LAG(new_status) OVER (PARTITION BY exchange_id ORDER BY id) AS prev
                      FROM exchange_events
                      WHERE action = 'status_changed')
                  SELECT * FROM chain
                  WHERE prev IS NOT NULL AND old_status IS DISTINCT FROM prev`,
		},
		{
			// Terminal exchanges admit no further status events after the one
			// that made them terminal.
			Name: "O7_terminal_is_final",
			SQL: `WITH terminal AS (
                      SELECT exchange_id, MIN(id) AS term_id
                      FROM exchange_events
                      WHERE new_status IN ('completed', 'cancelled', 'expired')
                      GROUP BY exchange_id)
                  SELECT ev.* FROM exchange_events ev
                  JOIN terminal t ON t.exchange_id = ev.exchange_id
                  WHERE ev.action = 'status_changed' AND ev.id > t.term_id`,
		},
		{
			Name: "O8_balance_floor_respected",
			SQL:  `SELECT member_id, balance FROM accounts WHERE balance < -10`,
		},
		{
			// High and critical tiers never reach acceptance without a broker
			// on record.
			Name: "O9_broker_gate",
			SQL: `SELECT id FROM exchanges
                  WHERE risk_level IN ('high', 'critical')
                    AND status IN ('accepted', 'in_progress', 'pending_confirmation', 'completed')
                    AND broker_id IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name when every property holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
