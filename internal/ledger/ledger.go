package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nurpe/procure-core/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict means the entity changed between read and write;
	// the caller must re-read, re-validate and re-attempt the whole decision.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvoiceExists is the unique-key guarantee: at most one invoice per
	// milestone, even under concurrent retried commands.
	ErrInvoiceExists = errors.New("invoice already exists for milestone")
	// ErrUnavailable is a retryable store/transport failure. It is never a
	// partial state change: the transaction either committed or it did not.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the transactional ledger both engines coordinate through.
//
// Every Update* call is a compare-and-swap on the entity's Version: the
// write succeeds only if the stored version still equals the version on
// the passed record, and on success the record's Version is bumped in
// place. There is no other serialization point in the system.
type Store interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error

	CreateMilestone(ctx context.Context, m *model.Milestone) error
	GetMilestone(ctx context.Context, id uuid.UUID) (*model.Milestone, error)
	UpdateMilestone(ctx context.Context, m *model.Milestone) error
	// UpdateMilestoneWithInvoice applies the milestone CAS and inserts the
	// invoice in one transaction: both commit or neither does.
	UpdateMilestoneWithInvoice(ctx context.Context, m *model.Milestone, inv *model.Invoice) error
	ListMilestonesByProject(ctx context.Context, projectID uuid.UUID) ([]model.Milestone, error)

	GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	GetInvoiceByMilestone(ctx context.Context, milestoneID uuid.UUID) (*model.Invoice, error)
	ListInvoicesByAgent(ctx context.Context, agentID uuid.UUID) ([]model.Invoice, error)

	CreateAuction(ctx context.Context, a *model.Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (*model.Auction, error)
	// AppendBid admits a bid atomically: it bumps the auction version iff
	// it still equals expectedVersion and inserts the bid in the same
	// transaction. Admitted bids are therefore totally ordered by auction
	// version, which is what makes the improvement rule enforceable.
	AppendBid(ctx context.Context, b *model.Bid, expectedVersion int64) error
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]model.Bid, error)
	// SetAuctionWinner records the winner iff none is recorded yet, under
	// the same CAS discipline. A second close must observe the first.
	SetAuctionWinner(ctx context.Context, auctionID, winnerID uuid.UUID, amount int64, expectedVersion int64) error
}
