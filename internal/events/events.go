package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is what dashboards and the archival stream receive after a
// command commits. Channels are per entity: "milestones.<id>",
// "auctions.<id>".
type Event struct {
	EventID    uuid.UUID `json:"event_id"`
	Kind       string    `json:"kind"`
	EntityID   uuid.UUID `json:"entity_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Status     string    `json:"status,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	ActorID    uuid.UUID `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	KindMilestoneTransition = "milestone.transition"
	KindEscrowChanged       = "milestone.escrow"
	KindApprovalChanged     = "milestone.approval"
	KindInvoiceIssued       = "invoice.issued"
	KindBidAccepted         = "bid.accepted"
	KindAuctionClosed       = "auction.closed"
)

// Publisher fans events out to real-time subscribers and the archival
// stream. Implementations must never block the write path: a slow or
// disconnected subscriber is the subscriber's problem.
type Publisher interface {
	Publish(channel string, ev Event)
}

// NopPublisher drops everything. Used in tests and when no broker is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}

func MilestoneChannel(id uuid.UUID) string { return "milestones." + id.String() }
func AuctionChannel(id uuid.UUID) string   { return "auctions." + id.String() }
