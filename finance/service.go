package finance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/auth"
	"taskmarket/fault"
	"taskmarket/notify"
)

// Config carries the billing tunables.
type Config struct {
	// InvoiceDueDays is the payment window granted when an invoice is issued.
	InvoiceDueDays int
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{InvoiceDueDays: 3}
}

// Service owns invoicing and settlement: issuing invoices for approved
// milestones, recording payments, and completing the request once every
// invoice on its agreement is paid.
type Service struct {
	pool     *pgxpool.Pool
	repo     Repository
	notifier notify.Notifier
	cfg      Config
	idGen    func() string
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, repo Repository, notifier notify.Notifier, cfg Config) *Service {
	if repo == nil {
		repo = NewRepository(pool)
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

// EnsureInvoiceParams identifies the milestone to bill inside a caller-owned
// transaction. DueDays is the payment window used when the milestone does not
// carry its own.
type EnsureInvoiceParams struct {
	MilestoneID string
	CreatedBy   string
	IssuedAt    time.Time
	DueDays     int
}

// EnsureInvoiceForMilestone creates the milestone's invoice if it does not
// exist yet and reports whether a row was inserted. A zero milestone amount
// falls back to an even split of the agreement total. The single-invoice
// index makes concurrent callers converge on one row.
func EnsureInvoiceForMilestone(ctx context.Context, tx pgx.Tx, id string, p EnsureInvoiceParams) (Invoice, bool, error) {
	var (
		agreementID    string
		amountCents    int64
		totalCents     int64
		dueDays        *int
		milestoneCount int64
	)
	err := tx.QueryRow(ctx, `
		SELECT m.agreement_id, m.amount_cents, a.total_cents, m.due_days,
		       (SELECT COUNT(*) FROM milestones WHERE agreement_id = a.id)
		FROM milestones m
		JOIN agreements a ON a.id = m.agreement_id
		WHERE m.id = $1
	`, p.MilestoneID).Scan(&agreementID, &amountCents, &totalCents, &dueDays, &milestoneCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, false, fault.NotFound("milestone not found")
		}
		return Invoice{}, false, fmt.Errorf("finance: load milestone for invoice: %w", err)
	}

	if amountCents == 0 && milestoneCount > 0 {
		amountCents = totalCents / milestoneCount
	}
	window := p.DueDays
	if dueDays != nil {
		window = *dueDays
	}
	if window < 0 {
		window = 0
	}
	dueAt := p.IssuedAt.AddDate(0, 0, window)

	query := fmt.Sprintf(`
		INSERT INTO invoices (id, agreement_id, milestone_id, amount_cents, status,
			issued_at, due_at, created_by)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, 'unpaid',
			$5, $6, NULLIF($7, '')::uuid)
		ON CONFLICT (milestone_id) WHERE milestone_id IS NOT NULL DO NOTHING
		RETURNING %s
	`, invoiceColumns)
	inv, err := scanInvoice(tx.QueryRow(ctx, query,
		id, agreementID, p.MilestoneID, amountCents, p.IssuedAt, dueAt, p.CreatedBy))
	if err == nil {
		return inv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, false, fmt.Errorf("finance: insert invoice: %w", err)
	}

	// Lost the conflict: someone else already billed this milestone.
	existing := fmt.Sprintf(`SELECT %s FROM invoices WHERE milestone_id = $1`, invoiceColumns)
	inv, err = scanInvoice(tx.QueryRow(ctx, existing, p.MilestoneID))
	if err != nil {
		return Invoice{}, false, fmt.Errorf("finance: load existing invoice: %w", err)
	}
	return inv, false, nil
}

// MarkPaidParams records a payment against an invoice.
type MarkPaidParams struct {
	InvoiceID string
	ActorID   string
	ActorRole auth.Role
	Method    string
	RefCode   string
}

// MarkPaid settles an invoice, marks its milestone paid, and completes the
// request when every invoice on the agreement is paid. Completion is skipped
// while the request is disputed or cancelled and re-checked on unfreeze.
func (s *Service) MarkPaid(ctx context.Context, params MarkPaidParams) (Invoice, error) {
	if !params.ActorRole.IsStaff() {
		return Invoice{}, fault.PermissionDenied("only finance or admin may record payments")
	}

	peek, err := s.repo.Get(ctx, params.InvoiceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Invoice{}, fault.NotFound("invoice not found")
		}
		return Invoice{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("finance: begin pay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Request first, invoice second, the shared lock order.
	var requestID, workerID string
	err = tx.QueryRow(ctx, `
		SELECT r.id, a.worker_id
		FROM agreements a
		JOIN requests r ON r.id = a.request_id
		WHERE a.id = $1
		FOR UPDATE OF r
	`, peek.AgreementID).Scan(&requestID, &workerID)
	if err != nil {
		return Invoice{}, fmt.Errorf("finance: lock request for payment: %w", err)
	}

	inv, err := s.repo.GetForUpdate(ctx, tx, params.InvoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status == InvoicePaid {
		// Replayed payment. Nothing downstream moves a second time.
		return inv, nil
	}
	if inv.Status != InvoiceUnpaid {
		return Invoice{}, fault.InvalidTransition(fmt.Sprintf("cannot pay invoice in state %s", inv.Status))
	}

	now := s.now()
	query := fmt.Sprintf(`
		UPDATE invoices
		SET status = 'paid',
		    paid_at = COALESCE(paid_at, $2),
		    method = COALESCE(NULLIF($3, ''), method),
		    ref_code = COALESCE(NULLIF($4, ''), ref_code),
		    updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, invoiceColumns)
	paid, err := scanInvoice(tx.QueryRow(ctx, query, inv.ID, now, params.Method, params.RefCode))
	if err != nil {
		return Invoice{}, fmt.Errorf("finance: mark paid: %w", err)
	}

	if inv.MilestoneID != nil {
		// A backfilled invoice may pay a milestone that was never
		// delivered; the payment stands and the milestone follows the
		// money.
		if _, err := tx.Exec(ctx, `
			UPDATE milestones
			SET status = 'paid', paid_at = COALESCE(paid_at, $2), updated_at = now()
			WHERE id = $1
		`, *inv.MilestoneID, now); err != nil {
			return Invoice{}, fmt.Errorf("finance: mark milestone paid: %w", err)
		}
	}

	completed, err := CompleteIfSettled(ctx, tx, requestID, now)
	if err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("finance: commit pay tx: %w", err)
	}

	s.notifier.Notify(ctx, workerID, "Invoice paid",
		fmt.Sprintf("Payment of %d cents was recorded.", paid.AmountCents), "/invoices/"+paid.ID)
	if completed {
		var clientID string
		if err := s.pool.QueryRow(ctx, `SELECT client_id FROM requests WHERE id = $1`, requestID).Scan(&clientID); err == nil {
			s.notifier.Notify(ctx, clientID, "Request completed",
				"All invoices are settled; the request is complete.", "/requests/"+requestID)
		}
		s.notifier.Notify(ctx, workerID, "Request completed",
			"All invoices are settled; the request is complete.", "/requests/"+requestID)
	}

	return paid, nil
}

// CompleteIfSettled promotes the request and its agreement to completed when
// the agreement is accepted, at least one invoice exists, and none is
// outstanding. The caller must hold the request row lock. It reports whether
// the promotion happened.
func CompleteIfSettled(ctx context.Context, tx pgx.Tx, requestID string, now time.Time) (bool, error) {
	var (
		requestStatus   string
		agreementID     string
		agreementStatus string
	)
	err := tx.QueryRow(ctx, `
		SELECT r.status, a.id, a.status
		FROM requests r
		JOIN agreements a ON a.request_id = r.id
		WHERE r.id = $1
	`, requestID).Scan(&requestStatus, &agreementID, &agreementStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("finance: load settlement state: %w", err)
	}

	if requestStatus != "in_progress" || agreementStatus != "accepted" {
		return false, nil
	}

	var total, outstanding int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status <> 'paid')
		FROM invoices
		WHERE agreement_id = $1
	`, agreementID).Scan(&total, &outstanding)
	if err != nil {
		return false, fmt.Errorf("finance: count invoices: %w", err)
	}
	if total == 0 || outstanding > 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE requests SET status = 'completed', completed_at = $2, updated_at = now()
		WHERE id = $1
	`, requestID, now); err != nil {
		return false, fmt.Errorf("finance: complete request: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE agreements SET status = 'completed', updated_at = now()
		WHERE id = $1
	`, agreementID); err != nil {
		return false, fmt.Errorf("finance: complete agreement: %w", err)
	}
	return true, nil
}

// CancelInvoice voids an unpaid invoice.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID, actorID string, actorRole auth.Role) (Invoice, error) {
	if !actorRole.IsStaff() {
		return Invoice{}, fault.PermissionDenied("only finance or admin may cancel invoices")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("finance: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.repo.GetForUpdate(ctx, tx, invoiceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Invoice{}, fault.NotFound("invoice not found")
		}
		return Invoice{}, err
	}
	if inv.Status != InvoiceUnpaid {
		return Invoice{}, fault.InvalidTransition(fmt.Sprintf("cannot cancel invoice in state %s", inv.Status))
	}

	query := fmt.Sprintf(`
		UPDATE invoices SET status = 'cancelled', updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, invoiceColumns)
	cancelled, err := scanInvoice(tx.QueryRow(ctx, query, invoiceID))
	if err != nil {
		return Invoice{}, fmt.Errorf("finance: cancel invoice: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("finance: commit cancel tx: %w", err)
	}
	return cancelled, nil
}

// GenerateMissing bills every milestone of the agreement that has no invoice
// yet. It is idempotent and returns the invoices it created.
func (s *Service) GenerateMissing(ctx context.Context, agreementID, actorID string, actorRole auth.Role) ([]Invoice, error) {
	if !actorRole.IsStaff() {
		return nil, fault.PermissionDenied("only finance or admin may generate invoices")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("finance: begin generate tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT m.id FROM milestones m
		WHERE m.agreement_id = $1
		  AND NOT EXISTS (SELECT 1 FROM invoices i WHERE i.milestone_id = m.id)
		ORDER BY m.ord
		FOR UPDATE OF m
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("finance: find unbilled milestones: %w", err)
	}
	var milestoneIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("finance: scan unbilled milestone: %w", err)
		}
		milestoneIDs = append(milestoneIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finance: iterate unbilled milestones: %w", err)
	}

	now := s.now()
	created := []Invoice{}
	for _, milestoneID := range milestoneIDs {
		inv, inserted, err := EnsureInvoiceForMilestone(ctx, tx, s.idGen(), EnsureInvoiceParams{
			MilestoneID: milestoneID,
			CreatedBy:   actorID,
			IssuedAt:    now,
			DueDays:     s.cfg.InvoiceDueDays,
		})
		if err != nil {
			return nil, err
		}
		if inserted {
			created = append(created, inv)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("finance: commit generate tx: %w", err)
	}
	return created, nil
}

// Get returns one invoice.
func (s *Service) Get(ctx context.Context, id string) (Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Invoice{}, fault.NotFound("invoice not found")
		}
		return Invoice{}, err
	}
	return inv, nil
}

// ListForAgreement returns the agreement's invoices, oldest first.
func (s *Service) ListForAgreement(ctx context.Context, agreementID string) ([]Invoice, error) {
	return s.repo.ListByAgreement(ctx, agreementID)
}

// TotalsForAgreement summarizes the agreement's billing position. Cancelled
// invoices are excluded from the invoiced sum.
func (s *Service) TotalsForAgreement(ctx context.Context, agreementID string) (Totals, error) {
	var t Totals
	err := s.pool.QueryRow(ctx, `
		SELECT a.total_cents,
		       COALESCE(SUM(i.amount_cents) FILTER (WHERE i.status <> 'cancelled'), 0),
		       COALESCE(SUM(i.amount_cents) FILTER (WHERE i.status = 'paid'), 0)
		FROM agreements a
		LEFT JOIN invoices i ON i.agreement_id = a.id
		WHERE a.id = $1
		GROUP BY a.total_cents
	`, agreementID).Scan(&t.AgreementCents, &t.InvoicedCents, &t.PaidCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Totals{}, fault.NotFound("agreement not found")
		}
		return Totals{}, fmt.Errorf("finance: totals: %w", err)
	}
	t.OutstandingCents = t.InvoicedCents - t.PaidCents
	return t, nil
}
