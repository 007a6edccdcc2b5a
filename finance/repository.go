package finance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("finance: not found")

const invoiceColumns = `id, agreement_id, milestone_id, amount_cents, status,
	issued_at, due_at, paid_at, method, ref_code, created_by, created_at, updated_at`

// Repository is the data-access surface for invoices.
type Repository interface {
	Get(ctx context.Context, id string) (Invoice, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	ListByAgreement(ctx context.Context, agreementID string) ([]Invoice, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Get(ctx context.Context, id string) (Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1`, invoiceColumns)
	inv, err := scanInvoice(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("finance: get invoice: %w", err)
	}
	return inv, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE id = $1 FOR UPDATE`, invoiceColumns)
	inv, err := scanInvoice(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("finance: get invoice for update: %w", err)
	}
	return inv, nil
}

func (r *PGRepository) ListByAgreement(ctx context.Context, agreementID string) ([]Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE agreement_id = $1 ORDER BY issued_at ASC`, invoiceColumns)
	rows, err := r.pool.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("finance: query invoices: %w", err)
	}
	defer rows.Close()

	list := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("finance: scan invoice: %w", err)
		}
		list = append(list, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finance: iterate invoices: %w", err)
	}
	return list, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	return inv, row.Scan(
		&inv.ID,
		&inv.AgreementID,
		&inv.MilestoneID,
		&inv.AmountCents,
		&inv.Status,
		&inv.IssuedAt,
		&inv.DueAt,
		&inv.PaidAt,
		&inv.Method,
		&inv.RefCode,
		&inv.CreatedBy,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
}
