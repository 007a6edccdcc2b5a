package finance

import "time"

// InvoiceStatus is the closed invoice lifecycle enumeration.
type InvoiceStatus string

const (
	InvoiceUnpaid    InvoiceStatus = "unpaid"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice bills one milestone of an agreement. Amounts are integer cents.
type Invoice struct {
	ID          string
	AgreementID string
	MilestoneID *string
	AmountCents int64
	Status      InvoiceStatus
	IssuedAt    time.Time
	DueAt       *time.Time
	PaidAt      *time.Time
	Method      string
	RefCode     string
	CreatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Totals summarizes an agreement's billing position.
type Totals struct {
	AgreementCents   int64
	InvoicedCents    int64
	PaidCents        int64
	OutstandingCents int64
}
