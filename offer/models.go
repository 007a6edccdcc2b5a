package offer

import "time"

// Status is the closed offer lifecycle enumeration.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSelected  Status = "selected"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Offer is a worker's bid on a request. Selection is exclusive per request;
// all sibling pending offers are rejected in the same transaction.
type Offer struct {
	ID                   string
	RequestID            string
	WorkerID             string
	Note                 string
	ProposedDurationDays int
	ProposedPriceCents   int64
	Status               Status
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
