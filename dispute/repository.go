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
	ErrNotFound  = errors.New("dispute: not found")
	ErrDuplicate = errors.New("dispute: duplicate")
)

const disputeColumns = `id, request_id, milestone_id, opened_by, opener_role,
	status, title, reason, details, prior_status, resolved_by, resolved_note,
	opened_at, resolved_at`

// Repository is the data-access surface for disputes.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	ListByRequest(ctx context.Context, requestID string) ([]Dispute, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	query := fmt.Sprintf(`
		INSERT INTO disputes (id, request_id, milestone_id, opened_by, opener_role,
			status, title, reason, details, prior_status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING %s
	`, disputeColumns)

	row := tx.QueryRow(ctx, query,
		d.ID,
		d.RequestID,
		d.MilestoneID,
		d.OpenedBy,
		d.OpenerRole,
		d.Status,
		d.Title,
		d.Reason,
		d.Details,
		d.PriorStatus,
	)
	created, err := scanDispute(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrDuplicate
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1`, disputeColumns)
	d, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1 FOR UPDATE`, disputeColumns)
	d, err := scanDispute(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListByRequest(ctx context.Context, requestID string) ([]Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE request_id = $1 ORDER BY opened_at DESC`, disputeColumns)
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("dispute: query list: %w", err)
	}
	defer rows.Close()

	list := []Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan list: %w", err)
		}
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate list: %w", err)
	}
	return list, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	return d, row.Scan(
		&d.ID,
		&d.RequestID,
		&d.MilestoneID,
		&d.OpenedBy,
		&d.OpenerRole,
		&d.Status,
		&d.Title,
		&d.Reason,
		&d.Details,
		&d.PriorStatus,
		&d.ResolvedBy,
		&d.ResolvedNote,
		&d.OpenedAt,
		&d.ResolvedAt,
	)
}
