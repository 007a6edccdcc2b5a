package dispute

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
	"taskmarket/finance"
	"taskmarket/notify"
	"taskmarket/request"
)

// Service owns the dispute lifecycle. Opening a dispute freezes its request
// in the same transaction; resolving or cancelling unfreezes it and re-runs
// the settlement check that was withheld while frozen.
type Service struct {
	pool     *pgxpool.Pool
	repo     Repository
	requests request.Repository
	notifier notify.Notifier
	idGen    func() string
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, repo Repository, requests request.Repository, notifier notify.Notifier) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if requests == nil {
		requests = request.NewRepository(pool)
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		requests: requests,
		notifier: notifier,
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

// OpenParams carries a new dispute.
type OpenParams struct {
	RequestID   string
	MilestoneID *string
	ActorID     string
	ActorRole   auth.Role
	Title       string
	Reason      string
	Details     string
}

// Open raises a dispute and freezes the request. Only the request's client,
// its assigned worker, or staff may open one, and a request carries at most
// one active dispute.
func (s *Service) Open(ctx context.Context, params OpenParams) (Dispute, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Dispute{}, fault.Invalid("title required")
	}
	reason := strings.TrimSpace(params.Reason)
	if len(reason) < 5 {
		return Dispute{}, fault.Invalid("reason must be at least 5 characters")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin open tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			return Dispute{}, fault.NotFound("request not found")
		}
		return Dispute{}, err
	}

	openerRole, err := openerRoleFor(req, params.ActorID, params.ActorRole)
	if err != nil {
		return Dispute{}, err
	}
	if !request.CanTransition(req.Status, request.StatusDisputed) {
		return Dispute{}, fault.InvalidTransition(fmt.Sprintf("cannot dispute a request in state %s", req.Status))
	}

	created, err := s.repo.Create(ctx, tx, Dispute{
		ID:          s.idGen(),
		RequestID:   params.RequestID,
		MilestoneID: params.MilestoneID,
		OpenedBy:    params.ActorID,
		OpenerRole:  openerRole,
		Status:      StatusOpen,
		Title:       title,
		Reason:      reason,
		Details:     params.Details,
		PriorStatus: string(req.Status),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Dispute{}, fault.Conflict("an active dispute already exists for this request")
		}
		return Dispute{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE requests SET status = 'disputed', updated_at = now()
		WHERE id = $1
	`, req.ID); err != nil {
		return Dispute{}, fmt.Errorf("dispute: freeze request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit open tx: %w", err)
	}

	body := fmt.Sprintf("A dispute was opened on %q: %s", req.Title, title)
	s.notifier.Notify(ctx, req.ClientID, "Dispute opened", body, "/requests/"+req.ID)
	if req.AssignedWorkerID != nil {
		s.notifier.Notify(ctx, *req.AssignedWorkerID, "Dispute opened", body, "/requests/"+req.ID)
	}

	return created, nil
}

func openerRoleFor(req request.Request, actorID string, actorRole auth.Role) (OpenerRole, error) {
	switch {
	case actorRole.IsStaff():
		return OpenerAdmin, nil
	case req.ClientID == actorID:
		return OpenerClient, nil
	case req.AssignedWorkerID != nil && *req.AssignedWorkerID == actorID:
		return OpenerWorker, nil
	default:
		return "", fault.PermissionDenied("not a party to this request")
	}
}

// Action is a dispute status command.
type Action string

const (
	ActionReview  Action = "review"
	ActionResolve Action = "resolve"
	ActionCancel  Action = "cancel"
	ActionReopen  Action = "reopen"
)

// UpdateParams carries a dispute status command.
type UpdateParams struct {
	DisputeID string
	ActorID   string
	ActorRole auth.Role
	Action    Action
	Note      string
}

// UpdateStatus runs a dispute command. Staff may run any action; the opener
// may cancel their own dispute. Resolving or cancelling unfreezes the
// request and re-runs the settlement check; reopening freezes it again.
func (s *Service) UpdateStatus(ctx context.Context, params UpdateParams) (Dispute, error) {
	peek, err := s.repo.Get(ctx, params.DisputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Dispute{}, fault.NotFound("dispute not found")
		}
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, peek.RequestID)
	if err != nil {
		return Dispute{}, err
	}
	d, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}

	isOpener := d.OpenedBy == params.ActorID
	if !params.ActorRole.IsStaff() && !(params.Action == ActionCancel && isOpener) {
		return Dispute{}, fault.PermissionDenied("only staff may manage disputes")
	}

	var updated Dispute
	switch params.Action {
	case ActionReview:
		if d.Status != StatusOpen {
			return Dispute{}, fault.InvalidTransition(fmt.Sprintf("cannot review dispute in state %s", d.Status))
		}
		updated, err = s.setStatus(ctx, tx, d.ID, StatusInReview)
		if err != nil {
			return Dispute{}, err
		}

	case ActionResolve, ActionCancel:
		if !d.Status.Active() {
			return Dispute{}, fault.InvalidTransition(fmt.Sprintf("cannot close dispute in state %s", d.Status))
		}
		target := StatusResolved
		if params.Action == ActionCancel {
			target = StatusCanceled
		}
		now := s.now()
		query := fmt.Sprintf(`
			UPDATE disputes
			SET status = $2, resolved_by = $3, resolved_note = $4, resolved_at = $5
			WHERE id = $1
			RETURNING %s
		`, disputeColumns)
		updated, err = scanDispute(tx.QueryRow(ctx, query,
			d.ID, target, params.ActorID, strings.TrimSpace(params.Note), now))
		if err != nil {
			return Dispute{}, fmt.Errorf("dispute: close: %w", err)
		}

		if err := s.unfreeze(ctx, tx, req, request.Status(d.PriorStatus), now); err != nil {
			return Dispute{}, err
		}

	case ActionReopen:
		if d.Status.Active() {
			return Dispute{}, fault.InvalidTransition("dispute is already active")
		}
		if !request.CanTransition(req.Status, request.StatusDisputed) {
			return Dispute{}, fault.InvalidTransition(fmt.Sprintf("cannot re-freeze a request in state %s", req.Status))
		}
		query := fmt.Sprintf(`
			UPDATE disputes
			SET status = 'open', prior_status = $2, resolved_by = NULL,
			    resolved_note = '', resolved_at = NULL
			WHERE id = $1
			RETURNING %s
		`, disputeColumns)
		updated, err = scanDispute(tx.QueryRow(ctx, query, d.ID, string(req.Status)))
		if err != nil {
			return Dispute{}, fmt.Errorf("dispute: reopen: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE requests SET status = 'disputed', updated_at = now()
			WHERE id = $1
		`, req.ID); err != nil {
			return Dispute{}, fmt.Errorf("dispute: re-freeze request: %w", err)
		}

	default:
		return Dispute{}, fault.Invalid(fmt.Sprintf("unknown dispute action %q", params.Action))
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit update tx: %w", err)
	}

	if params.Action == ActionResolve || params.Action == ActionCancel {
		body := fmt.Sprintf("The dispute on %q was closed.", req.Title)
		s.notifier.Notify(ctx, req.ClientID, "Dispute closed", body, "/requests/"+req.ID)
		if req.AssignedWorkerID != nil {
			s.notifier.Notify(ctx, *req.AssignedWorkerID, "Dispute closed", body, "/requests/"+req.ID)
		}
	}

	return updated, nil
}

func (s *Service) setStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Dispute, error) {
	query := fmt.Sprintf(`
		UPDATE disputes SET status = $2 WHERE id = $1
		RETURNING %s
	`, disputeColumns)
	d, err := scanDispute(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: set status: %w", err)
	}
	return d, nil
}

// unfreeze restores the status the request held when the dispute froze it,
// then re-runs the settlement check that was withheld while frozen. Freezing
// only changed the status column, so the prior status still matches the
// request's assignment and SLA fields; the one exception is new, which
// requires an empty assignment and gets the same field reset an
// administrative reset applies.
func (s *Service) unfreeze(ctx context.Context, tx pgx.Tx, req request.Request, prior request.Status, now time.Time) error {
	if req.Status != request.StatusDisputed {
		// The request left disputed through an administrative override;
		// closing the dispute must not resurrect the old status.
		return nil
	}

	if prior == request.StatusNew {
		if _, err := tx.Exec(ctx, `
			UPDATE requests
			SET status = 'new',
			    assigned_worker_id = NULL,
			    offer_selected_at = NULL,
			    agreement_due_at = NULL,
			    sla_agreement_overdue = FALSE,
			    updated_at = now()
			WHERE id = $1
		`, req.ID); err != nil {
			return fmt.Errorf("dispute: unfreeze request: %w", err)
		}
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE requests SET status = $2, updated_at = now()
		WHERE id = $1
	`, req.ID, prior); err != nil {
		return fmt.Errorf("dispute: unfreeze request: %w", err)
	}

	if prior == request.StatusInProgress {
		if _, err := finance.CompleteIfSettled(ctx, tx, req.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one dispute.
func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Dispute{}, fault.NotFound("dispute not found")
		}
		return Dispute{}, err
	}
	return d, nil
}

// ListForRequest returns the request's disputes, newest first.
func (s *Service) ListForRequest(ctx context.Context, requestID string) ([]Dispute, error) {
	return s.repo.ListByRequest(ctx, requestID)
}
