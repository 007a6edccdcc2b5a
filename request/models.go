package request

import "time"

// Status is the closed request lifecycle enumeration.
type Status string

const (
	StatusNew              Status = "new"
	StatusOfferSelected    Status = "offer_selected"
	StatusAgreementPending Status = "agreement_pending"
	StatusInProgress       Status = "in_progress"
	StatusDisputed         Status = "disputed"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no forward transition leaves the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions is the exhaustive forward-transition table. Disputed entry and
// exit are owned by the dispute controller and allowed from/to any
// non-terminal state; cancellation is an administrative override allowed from
// any state. Both are folded into CanTransition below.
var transitions = map[Status]map[Status]bool{
	StatusNew:              {StatusOfferSelected: true},
	StatusOfferSelected:    {StatusAgreementPending: true},
	StatusAgreementPending: {StatusInProgress: true, StatusOfferSelected: true},
	StatusInProgress:       {StatusCompleted: true},
	StatusDisputed:         {StatusNew: true, StatusInProgress: true},
	StatusCompleted:        {},
	StatusCancelled:        {},
}

// CanTransition reports whether from → to is a legal request transition.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from != StatusCancelled
	}
	if to == StatusDisputed {
		return !from.IsTerminal() && from != StatusDisputed
	}
	allowed, ok := transitions[from]
	return ok && allowed[to]
}

// Request is a client's unit of work seeking offers.
type Request struct {
	ID                    string
	ClientID              string
	AssignedWorkerID      *string
	Title                 string
	Details               string
	Links                 string
	EstimatedDurationDays int
	EstimatedPriceCents   int64
	Status                Status
	OfferSelectedAt       *time.Time
	AgreementDueAt        *time.Time
	SLAAgreementOverdue   bool
	CompletedAt           *time.Time
	CancelReason          *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Note is a threaded remark on a request. Internal notes are hidden from the
// client.
type Note struct {
	ID         string
	RequestID  string
	AuthorID   string
	Text       string
	IsInternal bool
	CreatedAt  time.Time
}

// Filters narrows request listings.
type Filters struct {
	ClientID  string
	WorkerID  string
	Status    Status
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}
