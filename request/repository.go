package request

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("request: not found")
)

const requestColumns = `id, client_id, assigned_worker_id, title, details, links,
	estimated_duration_days, estimated_price_cents, status,
	offer_selected_at, agreement_due_at, sla_agreement_overdue,
	completed_at, cancel_reason, created_at, updated_at`

// Repository is the data-access surface for requests.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	query := fmt.Sprintf(`
		INSERT INTO requests (id, client_id, title, details, links,
			estimated_duration_days, estimated_price_cents, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s
	`, requestColumns)

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.ClientID,
		req.Title,
		req.Details,
		req.Links,
		req.EstimatedDurationDays,
		req.EstimatedPriceCents,
		req.Status,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE id = $1`, requestColumns)
	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE id = $1 FOR UPDATE`, requestColumns)
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.ClientID != "" {
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.WorkerID != "" {
		where = append(where, fmt.Sprintf("assigned_worker_id=$%d", len(args)+1))
		args = append(args, filters.WorkerID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM requests%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		requestColumns, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("request: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM requests%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}

	return list, total, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.ClientID,
		&req.AssignedWorkerID,
		&req.Title,
		&req.Details,
		&req.Links,
		&req.EstimatedDurationDays,
		&req.EstimatedPriceCents,
		&req.Status,
		&req.OfferSelectedAt,
		&req.AgreementDueAt,
		&req.SLAAgreementOverdue,
		&req.CompletedAt,
		&req.CancelReason,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "title":
		return "title"
	case "status":
		return "status"
	case "estimatedPrice":
		return "estimated_price_cents"
	case "agreementDueAt":
		return "agreement_due_at"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
