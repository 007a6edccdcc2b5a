package agreement

import "time"

// Status is the closed agreement lifecycle enumeration.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// Editable reports whether the worker may still change the agreement.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusRejected
}

// Agreement is the contract between a client and the selected worker. It is
// 1:1 with its request; the duration and total are fixed at creation from the
// winning offer.
type Agreement struct {
	ID              string
	RequestID       string
	WorkerID        string
	Title           string
	Body            string
	DurationDays    int
	TotalCents      int64
	Status          Status
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MilestoneStatus is the closed milestone lifecycle enumeration.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneDelivered MilestoneStatus = "delivered"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
	MilestonePaid      MilestoneStatus = "paid"
)

// Milestone is one ordered slice of the agreement's work.
type Milestone struct {
	ID              string
	AgreementID     string
	Title           string
	AmountCents     int64
	Ord             int
	DueDays         *int
	Status          MilestoneStatus
	DeliveryNote    string
	RejectionReason string
	DeliveredAt     *time.Time
	ApprovedAt      *time.Time
	ApprovedBy      *string
	RejectedAt      *time.Time
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MilestoneInput is the worker-supplied shape of a milestone when editing an
// agreement. Ordering comes from slice position; ord is assigned 1..N.
type MilestoneInput struct {
	Title       string
	AmountCents int64
	DueDays     *int
}
