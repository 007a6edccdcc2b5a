package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/auth"
	"taskmarket/fault"
	"taskmarket/notify"
	"taskmarket/request"
)

// Config carries the agreement-stage tunables.
type Config struct {
	// InvoiceDueDays is the payment window stamped on invoices issued when a
	// milestone is approved.
	InvoiceDueDays int
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{InvoiceDueDays: 3}
}

// Service owns the agreement stage: the worker drafts terms and milestones,
// the client accepts or rejects, and delivered milestones are approved into
// invoices. The duration and total are copied from the winning offer at
// creation and never change afterwards; only the milestone split does.
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
	if cfg.InvoiceDueDays <= 0 {
		cfg.InvoiceDueDays = DefaultConfig().InvoiceDueDays
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

// Open drafts the agreement for a request whose offer was selected. The
// title, duration, and total are seeded from the request and winning offer.
func (s *Service) Open(ctx context.Context, requestID, actorID string, actorRole auth.Role) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin open tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return Agreement{}, fault.NotFound("request not found")
		}
		return Agreement{}, err
	}
	if req.AssignedWorkerID == nil {
		return Agreement{}, fault.InvalidTransition("request has no selected offer yet")
	}
	if *req.AssignedWorkerID != actorID && !actorRole.IsAdmin() {
		return Agreement{}, fault.PermissionDenied("only the assigned worker may draft the agreement")
	}
	if req.Status != request.StatusOfferSelected {
		return Agreement{}, fault.InvalidTransition(fmt.Sprintf("cannot draft an agreement while the request is %s", req.Status))
	}

	var durationDays int
	var totalCents int64
	err = tx.QueryRow(ctx, `
		SELECT proposed_duration_days, proposed_price_cents
		FROM offers
		WHERE request_id = $1 AND status = 'selected'
	`, requestID).Scan(&durationDays, &totalCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, fault.InvalidTransition("request has no selected offer yet")
		}
		return Agreement{}, fmt.Errorf("agreement: load winning offer: %w", err)
	}

	created, err := s.repo.Create(ctx, tx, Agreement{
		ID:           s.idGen(),
		RequestID:    requestID,
		WorkerID:     *req.AssignedWorkerID,
		Title:        "Agreement for " + req.Title,
		DurationDays: durationDays,
		TotalCents:   totalCents,
		Status:       StatusDraft,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Agreement{}, fault.Conflict("an agreement already exists for this request")
		}
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit open tx: %w", err)
	}

	return created, nil
}

// EditParams carries a draft revision. The milestone slice replaces the
// existing split wholesale; ords are assigned from slice order.
type EditParams struct {
	AgreementID string
	ActorID     string
	ActorRole   auth.Role
	Title       string
	Body        string
	Milestones  []MilestoneInput
	// Send submits the revision for client review after saving it. Sending
	// requires the milestone amounts to reconcile against the total.
	Send bool
}

// Edit saves a revision of a draft or rejected agreement. With Send set, the
// revision additionally moves to client review: the milestone amounts must
// sum exactly to the agreement total or the whole edit rolls back.
func (s *Service) Edit(ctx context.Context, params EditParams) (Agreement, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Agreement{}, fault.Invalid("title required")
	}
	for i, m := range params.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return Agreement{}, fault.Invalid(fmt.Sprintf("milestone %d: title required", i+1))
		}
		if m.AmountCents < 0 {
			return Agreement{}, fault.Invalid(fmt.Sprintf("milestone %d: amount cannot be negative", i+1))
		}
	}
	if params.Send && len(params.Milestones) == 0 {
		return Agreement{}, fault.Invalid("cannot send an agreement without milestones")
	}

	peek, err := s.repo.Get(ctx, params.AgreementID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Agreement{}, fault.NotFound("agreement not found")
		}
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin edit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, peek.RequestID)
	if err != nil {
		return Agreement{}, err
	}
	ag, err := s.repo.GetForUpdate(ctx, tx, params.AgreementID)
	if err != nil {
		return Agreement{}, err
	}
	if ag.WorkerID != params.ActorID && !params.ActorRole.IsAdmin() {
		return Agreement{}, fault.PermissionDenied("only the assigned worker may edit the agreement")
	}
	if !ag.Status.Editable() {
		return Agreement{}, fault.InvalidTransition(fmt.Sprintf("cannot edit agreement in state %s", ag.Status))
	}
	if req.Status == request.StatusDisputed {
		return Agreement{}, fault.InvalidTransition("request is frozen by an open dispute")
	}

	if params.Send {
		var sum int64
		for _, m := range params.Milestones {
			sum += m.AmountCents
		}
		if sum != ag.TotalCents {
			return Agreement{}, fault.ReconciliationMismatch(fmt.Sprintf(
				"milestone amounts sum to %d cents, agreement total is %d cents", sum, ag.TotalCents))
		}
	}

	// Editing is only possible before acceptance, so no milestone can have
	// progressed; replace the whole split.
	if _, err := tx.Exec(ctx, `DELETE FROM milestones WHERE agreement_id = $1`, ag.ID); err != nil {
		return Agreement{}, fmt.Errorf("agreement: clear milestones: %w", err)
	}
	for i, m := range params.Milestones {
		if _, err := tx.Exec(ctx, `
			INSERT INTO milestones (id, agreement_id, title, amount_cents, ord, due_days, status)
			VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, 'pending')
		`, s.idGen(), ag.ID, strings.TrimSpace(m.Title), m.AmountCents, i+1, m.DueDays); err != nil {
			return Agreement{}, fmt.Errorf("agreement: insert milestone %d: %w", i+1, err)
		}
	}

	status := ag.Status
	if params.Send {
		status = StatusPending
	}
	query := fmt.Sprintf(`
		UPDATE agreements
		SET title = $2, body = $3, status = $4, rejection_reason = '', updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, agreementColumns)
	updated, err := scanAgreement(tx.QueryRow(ctx, query, ag.ID, title, params.Body, status))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: save revision: %w", err)
	}

	if params.Send {
		if !request.CanTransition(req.Status, request.StatusAgreementPending) {
			return Agreement{}, fault.InvalidTransition(fmt.Sprintf("cannot submit agreement while the request is %s", req.Status))
		}
		if _, err := tx.Exec(ctx, `
			UPDATE requests SET status = 'agreement_pending', updated_at = now()
			WHERE id = $1
		`, req.ID); err != nil {
			return Agreement{}, fmt.Errorf("agreement: advance request: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit edit tx: %w", err)
	}

	if params.Send {
		s.notifier.Notify(ctx, req.ClientID, "Agreement ready for review",
			fmt.Sprintf("The agreement for %q awaits your review.", req.Title), "/agreements/"+updated.ID)
	}

	return updated, nil
}

// Accept locks in the agreement and starts the work. Accepting an already
// accepted agreement is a no-op.
func (s *Service) Accept(ctx context.Context, agreementID, actorID string, actorRole auth.Role) (Agreement, error) {
	peek, err := s.repo.Get(ctx, agreementID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Agreement{}, fault.NotFound("agreement not found")
		}
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, peek.RequestID)
	if err != nil {
		return Agreement{}, err
	}
	ag, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if req.ClientID != actorID && !actorRole.IsAdmin() {
		return Agreement{}, fault.PermissionDenied("only the request's client may accept the agreement")
	}
	if ag.Status == StatusAccepted {
		return ag, nil
	}
	if ag.Status != StatusPending {
		return Agreement{}, fault.InvalidTransition(fmt.Sprintf("cannot accept agreement in state %s", ag.Status))
	}
	// Leaving disputed is owned by the dispute controller; a frozen request
	// must stay frozen even though the transition table admits in_progress.
	if req.Status == request.StatusDisputed {
		return Agreement{}, fault.InvalidTransition("request is frozen by an open dispute")
	}
	if !request.CanTransition(req.Status, request.StatusInProgress) {
		return Agreement{}, fault.InvalidTransition(fmt.Sprintf("cannot start work while the request is %s", req.Status))
	}

	query := fmt.Sprintf(`
		UPDATE agreements SET status = 'accepted', updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, agreementColumns)
	accepted, err := scanAgreement(tx.QueryRow(ctx, query, agreementID))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: accept: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE requests SET status = 'in_progress', updated_at = now()
		WHERE id = $1
	`, req.ID); err != nil {
		return Agreement{}, fmt.Errorf("agreement: start work: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit accept tx: %w", err)
	}

	s.notifier.Notify(ctx, ag.WorkerID, "Agreement accepted",
		fmt.Sprintf("The agreement for %q was accepted. Work may begin.", req.Title), "/agreements/"+ag.ID)

	return accepted, nil
}

// Reject sends the agreement back to the worker with a reason and returns
// the request to the offer stage.
func (s *Service) Reject(ctx context.Context, agreementID, actorID string, actorRole auth.Role, reason string) (Agreement, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < 5 {
		return Agreement{}, fault.Invalid("rejection reason must be at least 5 characters")
	}

	peek, err := s.repo.Get(ctx, agreementID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Agreement{}, fault.NotFound("agreement not found")
		}
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin reject tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, peek.RequestID)
	if err != nil {
		return Agreement{}, err
	}
	ag, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if req.ClientID != actorID && !actorRole.IsAdmin() {
		return Agreement{}, fault.PermissionDenied("only the request's client may reject the agreement")
	}
	if ag.Status != StatusPending {
		return Agreement{}, fault.InvalidTransition(fmt.Sprintf("cannot reject agreement in state %s", ag.Status))
	}
	if !request.CanTransition(req.Status, request.StatusOfferSelected) {
		return Agreement{}, fault.InvalidTransition(fmt.Sprintf("cannot return request from %s to the offer stage", req.Status))
	}

	query := fmt.Sprintf(`
		UPDATE agreements SET status = 'rejected', rejection_reason = $2, updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, agreementColumns)
	rejected, err := scanAgreement(tx.QueryRow(ctx, query, agreementID, reason))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: reject: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE requests SET status = 'offer_selected', updated_at = now()
		WHERE id = $1
	`, req.ID); err != nil {
		return Agreement{}, fmt.Errorf("agreement: return request to offer stage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit reject tx: %w", err)
	}

	s.notifier.Notify(ctx, ag.WorkerID, "Agreement rejected",
		fmt.Sprintf("The agreement for %q was rejected: %s", req.Title, reason), "/agreements/"+ag.ID)

	return rejected, nil
}

// Get returns one agreement.
func (s *Service) Get(ctx context.Context, id string) (Agreement, error) {
	ag, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Agreement{}, fault.NotFound("agreement not found")
		}
		return Agreement{}, err
	}
	return ag, nil
}

// GetByRequest returns the request's agreement.
func (s *Service) GetByRequest(ctx context.Context, requestID string) (Agreement, error) {
	ag, err := s.repo.GetByRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Agreement{}, fault.NotFound("agreement not found")
		}
		return Agreement{}, err
	}
	return ag, nil
}

// Milestones returns the agreement's milestones in order.
func (s *Service) Milestones(ctx context.Context, agreementID string) ([]Milestone, error) {
	return s.repo.ListMilestones(ctx, agreementID)
}
