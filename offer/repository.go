package offer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("offer: not found")
	ErrDuplicate = errors.New("offer: duplicate")
)

const offerColumns = `id, request_id, worker_id, note,
	proposed_duration_days, proposed_price_cents, status, created_at, updated_at`

// Repository is the data-access surface for offers.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	Get(ctx context.Context, id string) (Offer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error)
	ListByRequest(ctx context.Context, requestID string) ([]Offer, error)
	ListByWorker(ctx context.Context, workerID string) ([]Offer, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	query := fmt.Sprintf(`
		INSERT INTO offers (id, request_id, worker_id, note,
			proposed_duration_days, proposed_price_cents, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		RETURNING %s
	`, offerColumns)

	row := tx.QueryRow(ctx, query,
		o.ID,
		o.RequestID,
		o.WorkerID,
		o.Note,
		o.ProposedDurationDays,
		o.ProposedPriceCents,
		o.Status,
	)
	created, err := scanOffer(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Offer{}, ErrDuplicate
		}
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Offer, error) {
	query := fmt.Sprintf(`SELECT %s FROM offers WHERE id = $1`, offerColumns)
	o, err := scanOffer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get: %w", err)
	}
	return o, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	query := fmt.Sprintf(`SELECT %s FROM offers WHERE id = $1 FOR UPDATE`, offerColumns)
	o, err := scanOffer(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get for update: %w", err)
	}
	return o, nil
}

func (r *PGRepository) ListByRequest(ctx context.Context, requestID string) ([]Offer, error) {
	query := fmt.Sprintf(`SELECT %s FROM offers WHERE request_id = $1 ORDER BY created_at ASC`, offerColumns)
	return r.list(ctx, query, requestID)
}

func (r *PGRepository) ListByWorker(ctx context.Context, workerID string) ([]Offer, error) {
	query := fmt.Sprintf(`SELECT %s FROM offers WHERE worker_id = $1 ORDER BY created_at DESC`, offerColumns)
	return r.list(ctx, query, workerID)
}

func (r *PGRepository) list(ctx context.Context, query string, arg any) ([]Offer, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("offer: query list: %w", err)
	}
	defer rows.Close()

	list := []Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan list: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate list: %w", err)
	}
	return list, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	return o, row.Scan(
		&o.ID,
		&o.RequestID,
		&o.WorkerID,
		&o.Note,
		&o.ProposedDurationDays,
		&o.ProposedPriceCents,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}
