package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("agreement: not found")
	ErrDuplicate = errors.New("agreement: duplicate")
)

const agreementColumns = `id, request_id, worker_id, title, body,
	duration_days, total_cents, status, rejection_reason, created_at, updated_at`

const milestoneColumns = `id, agreement_id, title, amount_cents, ord, due_days,
	status, delivery_note, rejection_reason, delivered_at, approved_at,
	approved_by, rejected_at, paid_at, created_at, updated_at`

// Repository is the data-access surface for agreements and their milestones.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error)
	Get(ctx context.Context, id string) (Agreement, error)
	GetByRequest(ctx context.Context, requestID string) (Agreement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	GetMilestone(ctx context.Context, id string) (Milestone, error)
	GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error)
	ListMilestones(ctx context.Context, agreementID string) ([]Milestone, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	query := fmt.Sprintf(`
		INSERT INTO agreements (id, request_id, worker_id, title, body,
			duration_days, total_cents, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s
	`, agreementColumns)

	row := tx.QueryRow(ctx, query,
		a.ID,
		a.RequestID,
		a.WorkerID,
		a.Title,
		a.Body,
		a.DurationDays,
		a.TotalCents,
		a.Status,
	)
	created, err := scanAgreement(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Agreement{}, ErrDuplicate
		}
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Agreement, error) {
	query := fmt.Sprintf(`SELECT %s FROM agreements WHERE id = $1`, agreementColumns)
	return r.getOne(ctx, query, id)
}

func (r *PGRepository) GetByRequest(ctx context.Context, requestID string) (Agreement, error) {
	query := fmt.Sprintf(`SELECT %s FROM agreements WHERE request_id = $1`, agreementColumns)
	return r.getOne(ctx, query, requestID)
}

func (r *PGRepository) getOne(ctx context.Context, query, arg string) (Agreement, error) {
	a, err := scanAgreement(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	query := fmt.Sprintf(`SELECT %s FROM agreements WHERE id = $1 FOR UPDATE`, agreementColumns)
	a, err := scanAgreement(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get for update: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetMilestone(ctx context.Context, id string) (Milestone, error) {
	query := fmt.Sprintf(`SELECT %s FROM milestones WHERE id = $1`, milestoneColumns)
	m, err := scanMilestone(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("agreement: get milestone: %w", err)
	}
	return m, nil
}

func (r *PGRepository) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	query := fmt.Sprintf(`SELECT %s FROM milestones WHERE id = $1 FOR UPDATE`, milestoneColumns)
	m, err := scanMilestone(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrNotFound
		}
		return Milestone{}, fmt.Errorf("agreement: get milestone for update: %w", err)
	}
	return m, nil
}

func (r *PGRepository) ListMilestones(ctx context.Context, agreementID string) ([]Milestone, error) {
	query := fmt.Sprintf(`SELECT %s FROM milestones WHERE agreement_id = $1 ORDER BY ord ASC`, milestoneColumns)
	rows, err := r.pool.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: query milestones: %w", err)
	}
	defer rows.Close()

	list := []Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan milestone: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate milestones: %w", err)
	}
	return list, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var a Agreement
	return a, row.Scan(
		&a.ID,
		&a.RequestID,
		&a.WorkerID,
		&a.Title,
		&a.Body,
		&a.DurationDays,
		&a.TotalCents,
		&a.Status,
		&a.RejectionReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	return m, row.Scan(
		&m.ID,
		&m.AgreementID,
		&m.Title,
		&m.AmountCents,
		&m.Ord,
		&m.DueDays,
		&m.Status,
		&m.DeliveryNote,
		&m.RejectionReason,
		&m.DeliveredAt,
		&m.ApprovedAt,
		&m.ApprovedBy,
		&m.RejectedAt,
		&m.PaidAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
}
