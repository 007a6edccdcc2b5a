package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is one invariant expressed as a query that must return zero rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_selected_offer",
			SQL: `SELECT request_id, COUNT(*) FROM offers
                  WHERE status = 'selected'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_active_dispute",
			SQL: `SELECT request_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','in_review')
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_single_invoice_per_milestone",
			SQL: `SELECT milestone_id, COUNT(*) FROM invoices
                  WHERE milestone_id IS NOT NULL
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_milestones_reconcile",
			SQL: `SELECT a.id, a.total_cents, SUM(m.amount_cents) FROM agreements a
                  JOIN milestones m ON m.agreement_id = a.id
                  WHERE a.status IN ('pending','accepted','completed')
                  GROUP BY a.id, a.total_cents
                  HAVING SUM(m.amount_cents) <> a.total_cents`,
		},
		{
			Name: "O5_completed_means_settled",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'completed'
                    AND (EXISTS (SELECT 1 FROM invoices i
                                 JOIN agreements a ON a.id = i.agreement_id
                                 WHERE a.request_id = r.id AND i.status = 'unpaid')
                         OR EXISTS (SELECT 1 FROM disputes d
                                    WHERE d.request_id = r.id AND d.status IN ('open','in_review')))`,
		},
		{
			Name: "O6_milestone_order_unique",
			SQL: `SELECT agreement_id, ord, COUNT(*) FROM milestones
                  GROUP BY agreement_id, ord HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_new_requests_unassigned",
			SQL:  `SELECT id FROM requests WHERE status = 'new' AND assigned_worker_id IS NOT NULL`,
		},
		{
			Name: "O8_frozen_backed_by_dispute",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d
                                    WHERE d.request_id = r.id AND d.status IN ('open','in_review'))`,
		},
		{
			Name: "O9_paid_invoice_has_timestamp",
			SQL:  `SELECT id FROM invoices WHERE status = 'paid' AND paid_at IS NULL`,
		},
		{
			Name: "O10_selected_offer_matches_assignment",
			SQL: `SELECT r.id FROM requests r
                  JOIN offers o ON o.request_id = r.id AND o.status = 'selected'
                  WHERE r.assigned_worker_id IS NOT NULL
                    AND r.assigned_worker_id <> o.worker_id`,
		},
	}
}

// Run executes all oracles and returns the first failure (name plus a sample
// row) or an empty name when every invariant holds.
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
