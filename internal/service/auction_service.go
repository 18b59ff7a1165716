package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nurpe/procure-core/internal/events"
	"github.com/nurpe/procure-core/internal/ledger"
	"github.com/nurpe/procure-core/internal/model"
)

// AuctionService is the bidding engine: it derives the auction window
// status at every decision, admits bids under the improvement rule, ranks
// deterministically and closes idempotently. Admission is atomic against
// the ledger: the auction version read with the bid set must still hold
// when the bid is appended, otherwise the whole decision is redone.
type AuctionService struct {
	store  ledger.Store
	events events.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

func NewAuctionService(store ledger.Store, pub events.Publisher, log zerolog.Logger) *AuctionService {
	return &AuctionService{store: store, events: pub, log: log, now: time.Now}
}

type CreateAuctionInput struct {
	Principal model.Principal
	ProjectID uuid.UUID
	Type      model.AuctionType
	StartDate time.Time
	EndDate   time.Time
}

func (s *AuctionService) CreateAuction(ctx context.Context, input CreateAuctionInput) (*model.Auction, error) {
	if !input.Principal.IsAgent() {
		return nil, ErrPermissionDenied
	}
	if input.Type != model.AuctionTypeReverse && input.Type != model.AuctionTypeSealed {
		return nil, fmt.Errorf("%w: unknown auction type %q", ErrInvalidInput, input.Type)
	}
	if input.StartDate.IsZero() || input.EndDate.IsZero() || !input.EndDate.After(input.StartDate) {
		return nil, fmt.Errorf("%w: end date must be after start date", ErrInvalidInput)
	}

	project, err := s.store.GetProject(ctx, input.ProjectID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if project.AgentID != input.Principal.UserID {
		return nil, ErrPermissionDenied
	}

	auction := &model.Auction{
		ID:        uuid.New(),
		AgentID:   input.Principal.UserID,
		ProjectID: input.ProjectID,
		Type:      input.Type,
		StartDate: input.StartDate.UTC(),
		EndDate:   input.EndDate.UTC(),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateAuction(ctx, auction); err != nil {
		return nil, mapStoreErr(err)
	}
	return auction, nil
}

type PlaceBidInput struct {
	Principal model.Principal
	AuctionID uuid.UUID
	Amount    int64
}

// PlaceBid admits a bid only while the window is live and only if it
// improves on the current best (reverse) or differs from the bidder's own
// last bid (sealed). The comparison and the append share one auction
// version: if a competing bid lands first, the version moves and the whole
// decision is re-derived from fresh state.
func (s *AuctionService) PlaceBid(ctx context.Context, input PlaceBidInput) (*model.Bid, error) {
	if !input.Principal.IsContractor() {
		return nil, ErrPermissionDenied
	}
	if input.Amount <= 0 {
		return nil, fmt.Errorf("%w: bid amount must be positive minor units", ErrInvalidInput)
	}

	var placed *model.Bid
	err := withRetry(ctx, func(ctx context.Context) error {
		auction, err := s.store.GetAuction(ctx, input.AuctionID)
		if err != nil {
			return err
		}
		// Derived at the instant of the admission decision, never cached.
		if status := model.DeriveAuctionStatus(s.now(), auction.StartDate, auction.EndDate); status != model.AuctionStatusLive {
			return fmt.Errorf("%w: auction %s is %s", ErrAuctionNotLive, auction.ID, status)
		}

		bids, err := s.store.ListBids(ctx, input.AuctionID)
		if err != nil {
			return err
		}
		switch auction.Type {
		case model.AuctionTypeReverse:
			if best, ok := model.LowestAmount(bids); ok && input.Amount >= best {
				return fmt.Errorf("%w: auction %s: %d does not beat %d",
					ErrBidNotImproved, auction.ID, input.Amount, best)
			}
		case model.AuctionTypeSealed:
			if last, ok := model.LastBidBy(bids, input.Principal.UserID); ok && last.Amount == input.Amount {
				return fmt.Errorf("%w: auction %s: duplicate of own last bid", ErrBidNotImproved, auction.ID)
			}
		}

		bid := &model.Bid{
			ID:           uuid.New(),
			AuctionID:    auction.ID,
			ContractorID: input.Principal.UserID,
			Amount:       input.Amount,
			SubmittedAt:  s.now().UTC(),
		}
		if err := s.store.AppendBid(ctx, bid, auction.Version); err != nil {
			return err
		}
		placed = bid

		// Sealed bids stay private until close; only reverse auctions
		// broadcast the new best.
		if auction.Type == model.AuctionTypeReverse {
			s.events.Publish(events.AuctionChannel(auction.ID), events.Event{
				EventID:    uuid.New(),
				Kind:       events.KindBidAccepted,
				EntityID:   auction.ID,
				ProjectID:  auction.ProjectID,
				Amount:     bid.Amount,
				OccurredAt: s.now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return placed, nil
}

type CloseAuctionInput struct {
	Principal model.Principal
	AuctionID uuid.UUID
}

// CloseAuction records the rank-0 bidder as winner once the window has
// passed. Closing twice is a no-op returning the recorded winner; the
// winner write is guarded by the auction version plus a winner-not-set
// predicate, so two concurrent close handlers cannot both win.
func (s *AuctionService) CloseAuction(ctx context.Context, input CloseAuctionInput) (*model.Auction, error) {
	if !input.Principal.IsAgent() {
		return nil, ErrPermissionDenied
	}

	var closed *model.Auction
	err := withRetry(ctx, func(ctx context.Context) error {
		auction, err := s.store.GetAuction(ctx, input.AuctionID)
		if err != nil {
			return err
		}
		if auction.AgentID != input.Principal.UserID {
			return ErrPermissionDenied
		}
		if status := model.DeriveAuctionStatus(s.now(), auction.StartDate, auction.EndDate); status != model.AuctionStatusClosed {
			return fmt.Errorf("%w: auction window is still %s", ErrPreconditionFailed, status)
		}
		if auction.WinnerID != nil {
			// A prior close recorded the winner; the award may still have
			// failed, so make sure the project assignment caught up.
			s.awardProject(ctx, auction)
			closed = auction
			return nil
		}

		bids, err := s.store.ListBids(ctx, input.AuctionID)
		if err != nil {
			return err
		}
		if len(bids) == 0 {
			return fmt.Errorf("%w: auction received no bids", ErrPreconditionFailed)
		}
		winner := model.RankBids(auction.Type, bids)[0]
		if err := s.store.SetAuctionWinner(ctx, auction.ID, winner.ContractorID, winner.Amount, auction.Version); err != nil {
			return err
		}
		winnerID := winner.ContractorID
		auction.WinnerID = &winnerID
		auction.WinningAmount = winner.Amount
		closed = auction

		s.awardProject(ctx, auction)
		s.events.Publish(events.AuctionChannel(auction.ID), events.Event{
			EventID:    uuid.New(),
			Kind:       events.KindAuctionClosed,
			EntityID:   auction.ID,
			ProjectID:  auction.ProjectID,
			Amount:     winner.Amount,
			ActorID:    winner.ContractorID,
			OccurredAt: s.now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return closed, nil
}

// awardProject assigns the winning contractor to the project. Assignment
// happens once; a project that already has a contractor is left alone. A
// failed award is logged and re-attempted by the next close of the same
// auction.
func (s *AuctionService) awardProject(ctx context.Context, auction *model.Auction) {
	err := withRetry(ctx, func(ctx context.Context) error {
		project, err := s.store.GetProject(ctx, auction.ProjectID)
		if err != nil {
			return err
		}
		if project.ContractorID != nil {
			return nil
		}
		winner := *auction.WinnerID
		project.ContractorID = &winner
		project.Status = model.ProjectStatusActive
		return s.store.UpdateProject(ctx, project)
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("auction_id", auction.ID.String()).
			Str("project_id", auction.ProjectID.String()).
			Msg("project award failed")
	}
}

// Ranking is a requester-scoped view of an auction's bid log. A
// contractor sees only its own bids plus the aggregate; the owning agent
// sees everything.
type Ranking struct {
	AuctionID  uuid.UUID
	Status     model.AuctionStatus
	Type       model.AuctionType
	BidCount   int
	BestAmount *int64
	WinnerID   *uuid.UUID
	Entries    []RankEntry
}

type RankEntry struct {
	Rank         int
	BidID        uuid.UUID
	ContractorID uuid.UUID
	Amount       int64
	SubmittedAt  time.Time
}

func (s *AuctionService) GetRanking(ctx context.Context, principal model.Principal, auctionID uuid.UUID) (*Ranking, error) {
	auction, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	bids, err := s.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	ranked := model.RankBids(auction.Type, bids)

	view := &Ranking{
		AuctionID: auction.ID,
		Status:    model.DeriveAuctionStatus(s.now(), auction.StartDate, auction.EndDate),
		Type:      auction.Type,
		BidCount:  len(ranked),
		WinnerID:  auction.WinnerID,
	}
	if len(ranked) > 0 {
		best := ranked[0].Amount
		view.BestAmount = &best
	}

	owner := principal.IsAgent() && auction.AgentID == principal.UserID
	for rank, bid := range ranked {
		if !owner && bid.ContractorID != principal.UserID {
			continue
		}
		view.Entries = append(view.Entries, RankEntry{
			Rank:         rank,
			BidID:        bid.ID,
			ContractorID: bid.ContractorID,
			Amount:       bid.Amount,
			SubmittedAt:  bid.SubmittedAt,
		})
	}
	return view, nil
}
