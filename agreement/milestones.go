package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"taskmarket/auth"
	"taskmarket/fault"
	"taskmarket/finance"
	"taskmarket/request"
)

// DeliverParams marks a milestone as handed over for review.
type DeliverParams struct {
	MilestoneID string
	ActorID     string
	ActorRole   auth.Role
	Note        string
}

// Deliver hands a milestone to the client for review. A rejected milestone
// may be redelivered; the prior rejection is cleared.
func (s *Service) Deliver(ctx context.Context, params DeliverParams) (Milestone, error) {
	ag, req, tx, err := s.lockMilestoneContext(ctx, params.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}
	defer tx.Rollback(ctx)

	if ag.WorkerID != params.ActorID && !params.ActorRole.IsAdmin() {
		return Milestone{}, fault.PermissionDenied("only the assigned worker may deliver milestones")
	}
	if ag.Status != StatusAccepted {
		return Milestone{}, fault.InvalidTransition("the agreement is not accepted yet")
	}
	if req.Status != request.StatusInProgress {
		return Milestone{}, fault.InvalidTransition(fmt.Sprintf("cannot deliver while the request is %s", req.Status))
	}

	m, err := s.repo.GetMilestoneForUpdate(ctx, tx, params.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status != MilestonePending && m.Status != MilestoneRejected {
		return Milestone{}, fault.InvalidTransition(fmt.Sprintf("cannot deliver milestone in state %s", m.Status))
	}

	query := fmt.Sprintf(`
		UPDATE milestones
		SET status = 'delivered',
		    delivery_note = $2,
		    delivered_at = $3,
		    rejection_reason = '',
		    rejected_at = NULL,
		    updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, milestoneColumns)
	delivered, err := scanMilestone(tx.QueryRow(ctx, query, m.ID, strings.TrimSpace(params.Note), s.now()))
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: deliver milestone: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("agreement: commit deliver tx: %w", err)
	}

	s.notifier.Notify(ctx, req.ClientID, "Milestone delivered",
		fmt.Sprintf("Milestone %q of %q awaits your review.", delivered.Title, req.Title), "/agreements/"+ag.ID)

	return delivered, nil
}

// ApproveMilestone accepts a delivered milestone and issues its invoice in
// the same transaction. The invoice amount is the milestone amount, or an
// even split of the agreement total when the milestone carries none.
func (s *Service) ApproveMilestone(ctx context.Context, milestoneID, actorID string, actorRole auth.Role) (Milestone, error) {
	ag, req, tx, err := s.lockMilestoneContext(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	defer tx.Rollback(ctx)

	if req.ClientID != actorID && !actorRole.IsAdmin() {
		return Milestone{}, fault.PermissionDenied("only the request's client may approve milestones")
	}
	if req.Status != request.StatusInProgress {
		return Milestone{}, fault.InvalidTransition(fmt.Sprintf("cannot approve while the request is %s", req.Status))
	}

	m, err := s.repo.GetMilestoneForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status != MilestoneDelivered {
		return Milestone{}, fault.InvalidTransition(fmt.Sprintf("cannot approve milestone in state %s", m.Status))
	}

	now := s.now()
	query := fmt.Sprintf(`
		UPDATE milestones
		SET status = 'approved',
		    approved_at = $2,
		    approved_by = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, milestoneColumns)
	approved, err := scanMilestone(tx.QueryRow(ctx, query, m.ID, now, actorID))
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: approve milestone: %w", err)
	}

	if _, _, err := finance.EnsureInvoiceForMilestone(ctx, tx, s.idGen(), finance.EnsureInvoiceParams{
		MilestoneID: m.ID,
		CreatedBy:   actorID,
		IssuedAt:    now,
		DueDays:     s.cfg.InvoiceDueDays,
	}); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("agreement: commit approve tx: %w", err)
	}

	s.notifier.Notify(ctx, ag.WorkerID, "Milestone approved",
		fmt.Sprintf("Milestone %q of %q was approved and invoiced.", approved.Title, req.Title), "/agreements/"+ag.ID)

	return approved, nil
}

// RejectMilestone sends a delivered milestone back to the worker for rework.
func (s *Service) RejectMilestone(ctx context.Context, milestoneID, actorID string, actorRole auth.Role, reason string) (Milestone, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < 5 {
		return Milestone{}, fault.Invalid("rejection reason must be at least 5 characters")
	}

	ag, req, tx, err := s.lockMilestoneContext(ctx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	defer tx.Rollback(ctx)

	if req.ClientID != actorID && !actorRole.IsAdmin() {
		return Milestone{}, fault.PermissionDenied("only the request's client may reject milestones")
	}
	if req.Status != request.StatusInProgress {
		return Milestone{}, fault.InvalidTransition(fmt.Sprintf("cannot reject while the request is %s", req.Status))
	}

	m, err := s.repo.GetMilestoneForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status != MilestoneDelivered {
		return Milestone{}, fault.InvalidTransition(fmt.Sprintf("cannot reject milestone in state %s", m.Status))
	}

	query := fmt.Sprintf(`
		UPDATE milestones
		SET status = 'rejected',
		    rejection_reason = $2,
		    rejected_at = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, milestoneColumns)
	rejected, err := scanMilestone(tx.QueryRow(ctx, query, m.ID, reason, s.now()))
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: reject milestone: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("agreement: commit reject milestone tx: %w", err)
	}

	s.notifier.Notify(ctx, ag.WorkerID, "Milestone rejected",
		fmt.Sprintf("Milestone %q of %q needs rework: %s", rejected.Title, req.Title, reason), "/agreements/"+ag.ID)

	return rejected, nil
}

// lockMilestoneContext opens a transaction holding the request row lock for
// the milestone's agreement. On success the caller owns the returned tx.
func (s *Service) lockMilestoneContext(ctx context.Context, milestoneID string) (Agreement, request.Request, pgx.Tx, error) {
	peek, err := s.repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Agreement{}, request.Request{}, nil, fault.NotFound("milestone not found")
		}
		return Agreement{}, request.Request{}, nil, err
	}
	ag, err := s.repo.Get(ctx, peek.AgreementID)
	if err != nil {
		return Agreement{}, request.Request{}, nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, request.Request{}, nil, fmt.Errorf("agreement: begin milestone tx: %w", err)
	}

	req, err := s.requests.GetForUpdate(ctx, tx, ag.RequestID)
	if err != nil {
		tx.Rollback(ctx)
		return Agreement{}, request.Request{}, nil, err
	}
	// Re-read the agreement under the request lock so status checks are
	// consistent with concurrent accept/reject.
	ag, err = s.repo.GetForUpdate(ctx, tx, ag.ID)
	if err != nil {
		tx.Rollback(ctx)
		return Agreement{}, request.Request{}, nil, err
	}
	return ag, req, tx, nil
}
