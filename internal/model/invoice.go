package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusSubmitted InvoiceStatus = "SUBMITTED"
	InvoiceStatusApproved  InvoiceStatus = "APPROVED"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusDisputed  InvoiceStatus = "DISPUTED"
)

// Invoice is generated, never hand-created: exactly one per verified
// milestone, written in the same transaction that flips the milestone to
// INVOICED. All amounts are integer minor units.
type Invoice struct {
	ID            uuid.UUID
	Number        string
	ProjectID     uuid.UUID
	MilestoneID   uuid.UUID // unique key
	ContractorID  uuid.UUID
	AgentID       uuid.UUID
	Amount        int64
	TaxAmount     int64
	TotalAmount   int64 // Amount + TaxAmount
	Status        InvoiceStatus
	IssuedAt      time.Time
	DueDate       time.Time
	Version       int64
}

// TaxFor computes the tax on an amount at a rate given in basis points,
// in integer minor units (truncating, no rounding drift across the sum
// identity TotalAmount == Amount + TaxAmount).
func TaxFor(amount int64, rateBasisPoints int64) int64 {
	return amount * rateBasisPoints / 10000
}

// InvoiceNumber derives a stable document number from the issue year and
// the milestone id, so retried generation never mints a second number.
func InvoiceNumber(issuedAt time.Time, milestoneID uuid.UUID) string {
	short := milestoneID.String()[:8]
	return fmt.Sprintf("INV-%d-%s", issuedAt.Year(), short)
}
