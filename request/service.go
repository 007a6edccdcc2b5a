package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmarket/auth"
	"taskmarket/fault"
	"taskmarket/notify"
)

// Service owns the request ledger: creation, listing, notes, and the
// administrative overrides (cancel, reset, reassign). Forward lifecycle
// transitions are driven by the offer, agreement, finance, and dispute
// services through their own transactions.
type Service struct {
	pool     *pgxpool.Pool
	repo     Repository
	notifier notify.Notifier
	idGen    func() string
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, repo Repository, notifier notify.Notifier) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Service{
		pool:     pool,
		repo:     repo,
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

// CreateParams carries the client-side fields of a new request. Text arrives
// pre-cleaned from the form layer; structural checks are re-done here.
type CreateParams struct {
	ClientID              string
	Title                 string
	Details               string
	Links                 string
	EstimatedDurationDays int
	EstimatedPriceCents   int64
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.ClientID == "" {
		return Request{}, fault.Invalid("client id required")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Request{}, fault.Invalid("title required")
	}
	if params.EstimatedDurationDays < 0 {
		return Request{}, fault.Invalid("estimated duration cannot be negative")
	}
	if params.EstimatedPriceCents < 0 {
		return Request{}, fault.Invalid("estimated price cannot be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req := Request{
		ID:                    s.idGen(),
		ClientID:              params.ClientID,
		Title:                 strings.TrimSpace(params.Title),
		Details:               params.Details,
		Links:                 params.Links,
		EstimatedDurationDays: params.EstimatedDurationDays,
		EstimatedPriceCents:   params.EstimatedPriceCents,
		Status:                StatusNew,
	}

	created, err := s.repo.Create(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit tx: %w", err)
	}

	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, asFault(err)
	}
	return req, nil
}

// asFault maps the repository's not-found sentinel to a typed failure so
// callers above the service boundary branch on kinds only.
func asFault(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fault.NotFound("request not found")
	}
	return err
}

// ListResult bundles a request page with its unpaged total.
type ListResult struct {
	Items []Request
	Total int
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// AddNoteParams carries a new note on a request.
type AddNoteParams struct {
	RequestID  string
	ActorID    string
	ActorRole  auth.Role
	Text       string
	IsInternal bool
}

// AddNote appends a note. Only the client, the assigned worker, or staff may
// write notes; internal notes additionally require worker or staff.
func (s *Service) AddNote(ctx context.Context, params AddNoteParams) (Note, error) {
	text := strings.TrimSpace(params.Text)
	if len(text) < 2 {
		return Note{}, fault.Invalid("note text must be at least 2 characters")
	}

	req, err := s.repo.Get(ctx, params.RequestID)
	if err != nil {
		return Note{}, asFault(err)
	}

	isClient := req.ClientID == params.ActorID
	isWorker := req.AssignedWorkerID != nil && *req.AssignedWorkerID == params.ActorID
	if !isClient && !isWorker && !params.ActorRole.IsStaff() {
		return Note{}, fault.PermissionDenied("not a party to this request")
	}
	if params.IsInternal && isClient && !params.ActorRole.IsStaff() {
		return Note{}, fault.PermissionDenied("clients cannot write internal notes")
	}

	const insertSQL = `
		INSERT INTO request_notes (id, request_id, author_id, text, is_internal)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, request_id, author_id, text, is_internal, created_at
	`
	var note Note
	err = s.pool.QueryRow(ctx, insertSQL, s.idGen(), params.RequestID, params.ActorID, text, params.IsInternal).
		Scan(&note.ID, &note.RequestID, &note.AuthorID, &note.Text, &note.IsInternal, &note.CreatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("request: insert note: %w", err)
	}
	return note, nil
}

// ListNotes returns the request's notes newest first, hiding internal notes
// from the client.
func (s *Service) ListNotes(ctx context.Context, requestID, actorID string, actorRole auth.Role) ([]Note, error) {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, asFault(err)
	}

	isClient := req.ClientID == actorID
	isWorker := req.AssignedWorkerID != nil && *req.AssignedWorkerID == actorID
	if !isClient && !isWorker && !actorRole.IsStaff() {
		return nil, fault.PermissionDenied("not a party to this request")
	}

	query := `
		SELECT id, request_id, author_id, text, is_internal, created_at
		FROM request_notes
		WHERE request_id = $1
	`
	if isClient && !actorRole.IsStaff() {
		query += " AND is_internal = FALSE"
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: list notes: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0, 8)
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.RequestID, &note.AuthorID, &note.Text, &note.IsInternal, &note.CreatedAt); err != nil {
			return nil, fmt.Errorf("request: scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate notes: %w", err)
	}
	return notes, nil
}

// CancelParams carries an administrative cancellation.
type CancelParams struct {
	RequestID string
	ActorID   string
	ActorRole auth.Role
	Reason    string
}

// AdminCancel cancels a request from any live state. The assignment and SLA
// fields are cleared; offers, agreement, and invoices stay for archival.
func (s *Service) AdminCancel(ctx context.Context, params CancelParams) (Request, error) {
	if !params.ActorRole.IsAdmin() {
		return Request{}, fault.PermissionDenied("only administrators may cancel requests")
	}
	reason := strings.TrimSpace(params.Reason)
	if len(reason) < 3 {
		return Request{}, fault.Invalid("cancellation reason must be at least 3 characters")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Request{}, asFault(err)
	}
	if !CanTransition(req.Status, StatusCancelled) {
		return Request{}, fault.InvalidTransition(fmt.Sprintf("cannot cancel request in state %s", req.Status))
	}

	query := fmt.Sprintf(`
		UPDATE requests
		SET status = 'cancelled',
		    assigned_worker_id = NULL,
		    offer_selected_at = NULL,
		    agreement_due_at = NULL,
		    sla_agreement_overdue = FALSE,
		    cancel_reason = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, requestColumns)
	updated, err := scanRequest(tx.QueryRow(ctx, query, params.RequestID, reason))
	if err != nil {
		return Request{}, fmt.Errorf("request: cancel update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: cancel commit: %w", err)
	}

	s.notifier.Notify(ctx, updated.ClientID, "Request cancelled",
		fmt.Sprintf("Request %q was cancelled: %s", updated.Title, reason), "/requests/"+updated.ID)
	if req.AssignedWorkerID != nil {
		s.notifier.Notify(ctx, *req.AssignedWorkerID, "Request cancelled",
			fmt.Sprintf("Request %q was cancelled: %s", updated.Title, reason), "/requests/"+updated.ID)
	}

	return updated, nil
}

// ResetToNew returns a request to the offer stage: every non-rejected offer
// is rejected (kept for archival), the assignment and SLA fields are
// cleared, and the status goes back to new.
func (s *Service) ResetToNew(ctx context.Context, requestID, actorID string, actorRole auth.Role) (Request, error) {
	if !actorRole.IsAdmin() {
		return Request{}, fault.PermissionDenied("only administrators may reset requests")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, asFault(err)
	}
	if req.Status.IsTerminal() {
		return Request{}, fault.InvalidTransition(fmt.Sprintf("cannot reset request in state %s", req.Status))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE offers SET status = 'rejected', updated_at = now()
		WHERE request_id = $1 AND status <> 'rejected'
	`, requestID); err != nil {
		return Request{}, fmt.Errorf("request: reject offers on reset: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE requests
		SET status = 'new',
		    assigned_worker_id = NULL,
		    offer_selected_at = NULL,
		    agreement_due_at = NULL,
		    sla_agreement_overdue = FALSE,
		    updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, requestColumns)
	updated, err := scanRequest(tx.QueryRow(ctx, query, requestID))
	if err != nil {
		return Request{}, fmt.Errorf("request: reset update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: reset commit: %w", err)
	}

	return updated, nil
}

// Reassign forcibly swaps the assigned worker without touching the lifecycle
// state. The new assignee must hold the worker role.
func (s *Service) Reassign(ctx context.Context, requestID, actorID string, actorRole auth.Role, newWorkerID string) (Request, error) {
	if !actorRole.IsAdmin() {
		return Request{}, fault.PermissionDenied("only administrators may reassign requests")
	}
	if newWorkerID == "" {
		return Request{}, fault.Invalid("new worker id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin reassign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, asFault(err)
	}
	if req.Status == StatusNew {
		return Request{}, fault.InvalidTransition("request has no assignment to replace yet")
	}
	if req.Status.IsTerminal() {
		return Request{}, fault.InvalidTransition(fmt.Sprintf("cannot reassign request in state %s", req.Status))
	}

	var role auth.Role
	if err := tx.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, newWorkerID).Scan(&role); err != nil {
		return Request{}, fault.NotFound("assignee not found")
	}
	if role != auth.RoleWorker {
		return Request{}, fault.Invalid("assignee must hold the worker role")
	}

	query := fmt.Sprintf(`
		UPDATE requests
		SET assigned_worker_id = $2, updated_at = now()
		WHERE id = $1
		RETURNING %s
	`, requestColumns)
	updated, err := scanRequest(tx.QueryRow(ctx, query, requestID, newWorkerID))
	if err != nil {
		return Request{}, fmt.Errorf("request: reassign update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: reassign commit: %w", err)
	}

	s.notifier.Notify(ctx, newWorkerID, "Request assigned to you",
		fmt.Sprintf("You were assigned to request %q.", updated.Title), "/requests/"+updated.ID)

	return updated, nil
}
