package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkStatus is the work-progress axis of a milestone. It only advances
// when the approval and escrow axes satisfy the gating rules enforced by
// the lifecycle engine.
type WorkStatus string

const (
	WorkStatusPending             WorkStatus = "PENDING"
	WorkStatusInProgress          WorkStatus = "IN_PROGRESS"
	WorkStatusCompleted           WorkStatus = "COMPLETED"
	WorkStatusVerificationPending WorkStatus = "VERIFICATION_PENDING"
	WorkStatusVerified            WorkStatus = "VERIFIED"
	WorkStatusInvoiced            WorkStatus = "INVOICED"
)

// ApprovalStatus is the governance axis, owned by the agent.
type ApprovalStatus string

const (
	ApprovalStatusPending           ApprovalStatus = "PENDING"
	ApprovalStatusApproved          ApprovalStatus = "APPROVED"
	ApprovalStatusRejected          ApprovalStatus = "REJECTED"
	ApprovalStatusRevisionRequested ApprovalStatus = "REVISION_REQUESTED"
)

// EscrowStatus is the funds axis, owned by the escrow collaborator.
type EscrowStatus string

const (
	EscrowStatusNotFunded EscrowStatus = "NOT_FUNDED"
	EscrowStatusFunded    EscrowStatus = "FUNDED"
	EscrowStatusReleased  EscrowStatus = "RELEASED"
	EscrowStatusDisputed  EscrowStatus = "DISPUTED"
	EscrowStatusRefunded  EscrowStatus = "REFUNDED"
)

type Milestone struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	CreatedBy     uuid.UUID // contractor
	Title         string
	Description   string
	DurationDays  int
	PaymentAmount int64 // minor units, always positive
	DueDate       time.Time

	Status         WorkStatus
	ApprovalStatus ApprovalStatus
	EscrowStatus   EscrowStatus

	ProofDocumentIDs []string
	ApprovalNote     string
	RejectionReason  string

	// Each reverse transition is permitted exactly once.
	RevertedToPending    bool
	RevertedToInProgress bool

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// workForward is the legal forward edge set of the work axis, including
// the automatic transitions the engine performs inside the triggering
// command.
var workForward = map[WorkStatus]WorkStatus{
	WorkStatusPending:             WorkStatusInProgress,
	WorkStatusInProgress:          WorkStatusCompleted,
	WorkStatusCompleted:           WorkStatusVerificationPending,
	WorkStatusVerificationPending: WorkStatusVerified,
	WorkStatusVerified:            WorkStatusInvoiced,
}

// ForwardWorkTransition reports whether from -> to is a legal forward
// move on the work axis.
func ForwardWorkTransition(from, to WorkStatus) bool {
	next, ok := workForward[from]
	return ok && next == to
}

// RevertWorkTransition reports whether from -> to is one of the two
// permitted reverse moves (each allowed exactly once per milestone; the
// once-only rule is tracked on the milestone itself).
func RevertWorkTransition(from, to WorkStatus) bool {
	switch {
	case from == WorkStatusInProgress && to == WorkStatusPending:
		return true
	case from == WorkStatusCompleted && to == WorkStatusInProgress:
		return true
	}
	return false
}

// RejectionTransition is the agent sending verification-pending work back
// to completed with a reason.
func RejectionTransition(from, to WorkStatus) bool {
	return from == WorkStatusVerificationPending && to == WorkStatusCompleted
}

// StartWorkGate holds the cross-axis precondition for pending -> in-progress.
// Funding is required only on projects that use escrow.
func (m *Milestone) StartWorkGate(escrowRequired bool) bool {
	if m.ApprovalStatus != ApprovalStatusApproved {
		return false
	}
	return !escrowRequired || m.EscrowStatus == EscrowStatusFunded
}

// Editable reports whether the contractor may still change the milestone's
// terms: only before work starts and only after the agent asked for changes.
func (m *Milestone) Editable() bool {
	if m.Status != WorkStatusPending {
		return false
	}
	return m.ApprovalStatus == ApprovalStatusRejected || m.ApprovalStatus == ApprovalStatusRevisionRequested
}

func ValidWorkStatus(s WorkStatus) bool {
	switch s {
	case WorkStatusPending, WorkStatusInProgress, WorkStatusCompleted,
		WorkStatusVerificationPending, WorkStatusVerified, WorkStatusInvoiced:
		return true
	}
	return false
}
