package dispute

import "time"

// Status is the closed dispute lifecycle enumeration.
type Status string

const (
	StatusOpen     Status = "open"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
	StatusCanceled Status = "canceled"
)

// Active reports whether the dispute still freezes its request.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

// OpenerRole records which side of the request raised the dispute.
type OpenerRole string

const (
	OpenerClient OpenerRole = "client"
	OpenerWorker OpenerRole = "worker"
	OpenerAdmin  OpenerRole = "admin"
)

// Dispute freezes a request until staff resolves or cancels it. The request
// status held at opening is recorded so reviewers can see what was
// interrupted.
type Dispute struct {
	ID           string
	RequestID    string
	MilestoneID  *string
	OpenedBy     string
	OpenerRole   OpenerRole
	Status       Status
	Title        string
	Reason       string
	Details      string
	PriorStatus  string
	ResolvedBy   *string
	ResolvedNote string
	OpenedAt     time.Time
	ResolvedAt   *time.Time
}
