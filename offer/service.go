package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/auth"
	"taskmarket/fault"
	"taskmarket/notify"
	"taskmarket/request"
)

// Config carries the offer-stage tunables.
type Config struct {
	// AgreementDueDays is how long after selection the worker has to get an
	// agreement accepted before the request is flagged overdue.
	AgreementDueDays int
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{AgreementDueDays: 3}
}

// Service runs the bidding stage: workers submit offers on open requests and
// the client picks exactly one, which assigns the worker and starts the
// agreement countdown.
type Service struct {
	pool     *pgxpool.Pool
	repo     Repository
	requests request.Repository
	notifier notify.Notifier
	cfg      Config
	idGen    func() string
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, repo Repository, requests request.Repository, notifier notify.Notifier, cfg Config) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if requests == nil {
		requests = request.NewRepository(pool)
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if cfg.AgreementDueDays <= 0 {
		cfg.AgreementDueDays = DefaultConfig().AgreementDueDays
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		requests: requests,
		notifier: notifier,
		cfg:      cfg,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitParams carries a worker's new bid.
type SubmitParams struct {
	RequestID            string
	WorkerID             string
	ActorRole            auth.Role
	Note                 string
	ProposedDurationDays int
	ProposedPriceCents   int64
}

// Submit records a pending offer. The request must still be open and the
// worker may hold at most one pending offer per request.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Offer, error) {
	if params.ActorRole != auth.RoleWorker {
		return Offer{}, fault.PermissionDenied("only workers may submit offers")
	}
	if params.ProposedDurationDays < 1 {
		return Offer{}, fault.Invalid("proposed duration must be at least 1 day")
	}
	if params.ProposedPriceCents < 0 {
		return Offer{}, fault.Invalid("proposed price cannot be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin submit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return Offer{}, fault.NotFound("request not found")
		}
		return Offer{}, err
	}
	if req.ClientID == params.WorkerID {
		return Offer{}, fault.PermissionDenied("cannot bid on your own request")
	}
	if req.Status != request.StatusNew || req.AssignedWorkerID != nil {
		return Offer{}, fault.InvalidTransition("request is no longer accepting offers")
	}

	created, err := s.repo.Create(ctx, tx, Offer{
		ID:                   s.idGen(),
		RequestID:            params.RequestID,
		WorkerID:             params.WorkerID,
		Note:                 strings.TrimSpace(params.Note),
		ProposedDurationDays: params.ProposedDurationDays,
		ProposedPriceCents:   params.ProposedPriceCents,
		Status:               StatusPending,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Offer{}, fault.Conflict("worker already has a pending offer on this request")
		}
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit submit tx: %w", err)
	}

	s.notifier.Notify(ctx, req.ClientID, "New offer received",
		fmt.Sprintf("A worker submitted an offer on %q.", req.Title), "/requests/"+req.ID)

	return created, nil
}

// SelectParams identifies the offer the client picked.
type SelectParams struct {
	OfferID   string
	ActorID   string
	ActorRole auth.Role
}

// Select marks one offer as the winner, rejects the rest, assigns the worker,
// and starts the agreement countdown. All of it happens in one transaction;
// when two selections race, the loser fails on the lock re-check or the
// single-winner index.
func (s *Service) Select(ctx context.Context, params SelectParams) (Offer, error) {
	peek, err := s.repo.Get(ctx, params.OfferID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Offer{}, fault.NotFound("offer not found")
		}
		return Offer{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin select tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order is request first, offer second, matching every other
	// lifecycle transaction.
	req, err := s.requests.GetForUpdate(ctx, tx, peek.RequestID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return Offer{}, fault.NotFound("request not found")
		}
		return Offer{}, err
	}
	if req.ClientID != params.ActorID && !params.ActorRole.IsAdmin() {
		return Offer{}, fault.PermissionDenied("only the request's client may select an offer")
	}
	if req.Status != request.StatusNew || req.AssignedWorkerID != nil {
		return Offer{}, fault.InvalidTransition("an offer was already selected for this request")
	}

	off, err := s.repo.GetForUpdate(ctx, tx, params.OfferID)
	if err != nil {
		return Offer{}, err
	}
	if off.Status != StatusPending {
		return Offer{}, fault.InvalidTransition(fmt.Sprintf("cannot select offer in state %s", off.Status))
	}

	query := fmt.Sprintf(`
		UPDATE offers SET status = 'selected', updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, offerColumns)
	selected, err := scanOffer(tx.QueryRow(ctx, query, off.ID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Offer{}, fault.Conflict("another offer was already selected for this request")
		}
		return Offer{}, fmt.Errorf("offer: mark selected: %w", err)
	}

	rejected, err := s.rejectSiblings(ctx, tx, off.RequestID, off.ID)
	if err != nil {
		return Offer{}, err
	}

	now := s.now()
	due := now.AddDate(0, 0, s.cfg.AgreementDueDays)
	if _, err := tx.Exec(ctx, `
		UPDATE requests
		SET status = 'offer_selected',
		    assigned_worker_id = $2,
		    offer_selected_at = $3,
		    agreement_due_at = $4,
		    sla_agreement_overdue = FALSE,
		    updated_at = now()
		WHERE id = $1
	`, req.ID, off.WorkerID, now, due); err != nil {
		return Offer{}, fmt.Errorf("offer: assign worker: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit select tx: %w", err)
	}

	s.notifier.Notify(ctx, off.WorkerID, "Offer selected",
		fmt.Sprintf("Your offer on %q was selected. Draft an agreement by %s.", req.Title, due.Format("2006-01-02")),
		"/requests/"+req.ID)
	for _, workerID := range rejected {
		s.notifier.Notify(ctx, workerID, "Offer not selected",
			fmt.Sprintf("Another offer was selected for %q.", req.Title), "/requests/"+req.ID)
	}

	return selected, nil
}

// rejectSiblings rejects every other live offer on the request and returns
// the affected worker ids for notification.
func (s *Service) rejectSiblings(ctx context.Context, tx pgx.Tx, requestID, winnerID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE offers SET status = 'rejected', updated_at = now()
		WHERE request_id = $1 AND id <> $2 AND status = 'pending'
		RETURNING worker_id
	`, requestID, winnerID)
	if err != nil {
		return nil, fmt.Errorf("offer: reject siblings: %w", err)
	}
	defer rows.Close()

	var workers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("offer: scan rejected sibling: %w", err)
		}
		workers = append(workers, id)
	}
	return workers, rows.Err()
}

// Reject declines a pending offer without selecting anyone.
func (s *Service) Reject(ctx context.Context, offerID, actorID string, actorRole auth.Role) (Offer, error) {
	return s.close(ctx, offerID, actorID, actorRole, StatusRejected)
}

// Withdraw lets the bidding worker retract a pending offer.
func (s *Service) Withdraw(ctx context.Context, offerID, actorID string, actorRole auth.Role) (Offer, error) {
	return s.close(ctx, offerID, actorID, actorRole, StatusWithdrawn)
}

func (s *Service) close(ctx context.Context, offerID, actorID string, actorRole auth.Role, target Status) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin close tx: %w", err)
	}
	defer tx.Rollback(ctx)

	off, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Offer{}, fault.NotFound("offer not found")
		}
		return Offer{}, err
	}

	req, err := s.requests.Get(ctx, off.RequestID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return Offer{}, fault.NotFound("request not found")
		}
		return Offer{}, err
	}

	switch target {
	case StatusRejected:
		if req.ClientID != actorID && !actorRole.IsAdmin() {
			return Offer{}, fault.PermissionDenied("only the request's client may reject an offer")
		}
	case StatusWithdrawn:
		if off.WorkerID != actorID {
			return Offer{}, fault.PermissionDenied("only the bidding worker may withdraw an offer")
		}
	}
	if off.Status != StatusPending {
		return Offer{}, fault.InvalidTransition(fmt.Sprintf("cannot move offer from %s to %s", off.Status, target))
	}

	query := fmt.Sprintf(`
		UPDATE offers SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, offerColumns)
	closed, err := scanOffer(tx.QueryRow(ctx, query, offerID, target))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: close: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit close tx: %w", err)
	}

	switch target {
	case StatusRejected:
		s.notifier.Notify(ctx, off.WorkerID, "Offer rejected",
			fmt.Sprintf("Your offer on %q was rejected.", req.Title), "/requests/"+req.ID)
	case StatusWithdrawn:
		s.notifier.Notify(ctx, req.ClientID, "Offer withdrawn",
			fmt.Sprintf("An offer on %q was withdrawn.", req.Title), "/requests/"+req.ID)
	}

	return closed, nil
}

// ListForRequest returns the request's offers. The client and staff see all
// of them; a worker sees only their own.
func (s *Service) ListForRequest(ctx context.Context, requestID, actorID string, actorRole auth.Role) ([]Offer, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return nil, fault.NotFound("request not found")
		}
		return nil, err
	}

	offers, err := s.repo.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ClientID == actorID || actorRole.IsStaff() {
		return offers, nil
	}

	own := offers[:0]
	for _, o := range offers {
		if o.WorkerID == actorID {
			own = append(own, o)
		}
	}
	return own, nil
}

// ListForWorker returns the worker's own offers across requests.
func (s *Service) ListForWorker(ctx context.Context, workerID string) ([]Offer, error) {
	return s.repo.ListByWorker(ctx, workerID)
}
