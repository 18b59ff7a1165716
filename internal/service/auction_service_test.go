package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nurpe/procure-core/internal/events"
	"github.com/nurpe/procure-core/internal/ledger"
	"github.com/nurpe/procure-core/internal/model"
)

type auctionFixture struct {
	svc     *AuctionService
	store   *ledger.MemoryStore
	agent   model.Principal
	project *model.Project
	clock   time.Time
}

func newAuctionFixture(t *testing.T) *auctionFixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	svc := NewAuctionService(store, events.NopPublisher{}, zerolog.Nop())

	f := &auctionFixture{
		svc:   svc,
		store: store,
		agent: model.Principal{UserID: uuid.New(), Role: model.RoleAgent},
		clock: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	svc.now = func() time.Time { return f.clock }

	f.project = &model.Project{
		ID:      uuid.New(),
		AgentID: f.agent.UserID,
		Title:   "Bridge inspection",
		Status:  model.ProjectStatusDraft,
	}
	if err := store.CreateProject(context.Background(), f.project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return f
}

func (f *auctionFixture) newAuction(t *testing.T, typ model.AuctionType) *model.Auction {
	t.Helper()
	a, err := f.svc.CreateAuction(context.Background(), CreateAuctionInput{
		Principal: f.agent,
		ProjectID: f.project.ID,
		Type:      typ,
		StartDate: f.clock,
		EndDate:   f.clock.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	return a
}

func contractorPrincipal() model.Principal {
	return model.Principal{UserID: uuid.New(), Role: model.RoleContractor}
}

func TestCreateAuctionValidation(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateAuction(ctx, CreateAuctionInput{
		Principal: f.agent, ProjectID: f.project.ID, Type: "DUTCH",
		StartDate: f.clock, EndDate: f.clock.Add(time.Hour),
	}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown type: got %v", err)
	}
	if _, err := f.svc.CreateAuction(ctx, CreateAuctionInput{
		Principal: f.agent, ProjectID: f.project.ID, Type: model.AuctionTypeReverse,
		StartDate: f.clock.Add(time.Hour), EndDate: f.clock,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("inverted window: got %v", err)
	}
	foreign := model.Principal{UserID: uuid.New(), Role: model.RoleAgent}
	if _, err := f.svc.CreateAuction(ctx, CreateAuctionInput{
		Principal: foreign, ProjectID: f.project.ID, Type: model.AuctionTypeReverse,
		StartDate: f.clock, EndDate: f.clock.Add(time.Hour),
	}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("foreign agent: got %v", err)
	}
}

func TestReverseAuctionImprovementRule(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()
	a := f.newAuction(t, model.AuctionTypeReverse)

	alice := contractorPrincipal()
	bob := contractorPrincipal()
	carol := contractorPrincipal()

	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: alice, AuctionID: a.ID, Amount: 100}); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: bob, AuctionID: a.ID, Amount: 95}); err != nil {
		t.Fatalf("improving bid: %v", err)
	}
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: carol, AuctionID: a.ID, Amount: 110}); !errors.Is(err, ErrBidNotImproved) {
		t.Fatalf("worse bid: got %v", err)
	}
	// Matching the current best is not an improvement either.
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: carol, AuctionID: a.ID, Amount: 95}); !errors.Is(err, ErrBidNotImproved) {
		t.Fatalf("equal bid: got %v", err)
	}

	ranking, err := f.svc.GetRanking(ctx, f.agent, a.ID)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if ranking.BidCount != 2 {
		t.Fatalf("bid count = %d, want 2", ranking.BidCount)
	}
	if ranking.Entries[0].Amount != 95 || ranking.Entries[1].Amount != 100 {
		t.Fatalf("ranking amounts %d, %d", ranking.Entries[0].Amount, ranking.Entries[1].Amount)
	}
}

func TestBidOutsideWindow(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()
	a := f.newAuction(t, model.AuctionTypeReverse)
	bidder := contractorPrincipal()

	f.clock = a.StartDate.Add(-time.Minute)
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: bidder, AuctionID: a.ID, Amount: 100}); !errors.Is(err, ErrAuctionNotLive) {
		t.Fatalf("bid before start: got %v", err)
	}

	// End instant is outside the window.
	f.clock = a.EndDate
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: bidder, AuctionID: a.ID, Amount: 100}); !errors.Is(err, ErrAuctionNotLive) {
		t.Fatalf("bid at end: got %v", err)
	}

	f.clock = a.StartDate
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: bidder, AuctionID: a.ID, Amount: 100}); err != nil {
		t.Fatalf("bid at start: %v", err)
	}
}

func TestSealedAuctionRules(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()
	a := f.newAuction(t, model.AuctionTypeSealed)

	alice := contractorPrincipal()
	bob := contractorPrincipal()

	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: alice, AuctionID: a.ID, Amount: 200}); err != nil {
		t.Fatalf("alice bids: %v", err)
	}
	// Sealed bids do not compete during the window; bob may bid anything.
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: bob, AuctionID: a.ID, Amount: 200}); err != nil {
		t.Fatalf("bob matches alice: %v", err)
	}
	// Only repeating one's own last amount is rejected.
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: alice, AuctionID: a.ID, Amount: 200}); !errors.Is(err, ErrBidNotImproved) {
		t.Fatalf("alice repeats herself: got %v", err)
	}
	f.clock = f.clock.Add(time.Minute)
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: alice, AuctionID: a.ID, Amount: 300}); err != nil {
		t.Fatalf("alice revises upward: %v", err)
	}

	// Sealed ranking prefers the highest amount.
	f.clock = a.EndDate.Add(time.Minute)
	closed, err := f.svc.CloseAuction(ctx, CloseAuctionInput{Principal: f.agent, AuctionID: a.ID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.WinnerID == nil || *closed.WinnerID != alice.UserID || closed.WinningAmount != 300 {
		t.Fatalf("winner %v at %d", closed.WinnerID, closed.WinningAmount)
	}
}

func TestConcurrentBidsKeepTotalOrder(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()
	a := f.newAuction(t, model.AuctionTypeReverse)

	// Decreasing amounts racing each other; every admitted bid must have
	// beaten the best at its commit instant, whatever the interleaving.
	const racers = 10
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := f.svc.PlaceBid(ctx, PlaceBidInput{
				Principal: contractorPrincipal(), AuctionID: a.ID, Amount: amount,
			})
			if err != nil && !errors.Is(err, ErrBidNotImproved) && !errors.Is(err, ErrUnavailable) {
				t.Errorf("bid %d: %v", amount, err)
			}
		}(int64(1000 - i*10))
	}
	wg.Wait()

	bids, err := f.store.ListBids(ctx, a.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bids) == 0 {
		t.Fatal("no bid admitted")
	}
	for i := 1; i < len(bids); i++ {
		if bids[i].Amount >= bids[i-1].Amount {
			t.Fatalf("admitted log not strictly improving at %d: %d then %d", i, bids[i-1].Amount, bids[i].Amount)
		}
	}
}

func TestCloseAuction(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()
	a := f.newAuction(t, model.AuctionTypeReverse)

	alice := contractorPrincipal()
	bob := contractorPrincipal()
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: alice, AuctionID: a.ID, Amount: 100}); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: bob, AuctionID: a.ID, Amount: 95}); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if _, err := f.svc.CloseAuction(ctx, CloseAuctionInput{Principal: f.agent, AuctionID: a.ID}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("close while live: got %v", err)
	}

	f.clock = a.EndDate
	closed, err := f.svc.CloseAuction(ctx, CloseAuctionInput{Principal: f.agent, AuctionID: a.ID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.WinnerID == nil || *closed.WinnerID != bob.UserID || closed.WinningAmount != 95 {
		t.Fatalf("winner %v at %d, want bob at 95", closed.WinnerID, closed.WinningAmount)
	}

	// The winner is assigned to the project once.
	project, err := f.store.GetProject(ctx, f.project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.ContractorID == nil || *project.ContractorID != bob.UserID {
		t.Fatal("winner not assigned to project")
	}
	if project.Status != model.ProjectStatusActive {
		t.Errorf("project status = %s", project.Status)
	}

	versionAfterClose := project.Version
	again, err := f.svc.CloseAuction(ctx, CloseAuctionInput{Principal: f.agent, AuctionID: a.ID})
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if again.WinnerID == nil || *again.WinnerID != bob.UserID {
		t.Fatal("second close must report the recorded winner")
	}
	project, err = f.store.GetProject(ctx, f.project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.Version != versionAfterClose {
		t.Error("second close must not write anything")
	}
}

func TestCloseAuctionRepairsMissedAward(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()
	a := f.newAuction(t, model.AuctionTypeReverse)

	// Winner recorded but the project assignment never happened, as after
	// an award that exhausted its retries.
	winner := uuid.New()
	if err := f.store.SetAuctionWinner(ctx, a.ID, winner, 9500, a.Version); err != nil {
		t.Fatalf("seed winner: %v", err)
	}

	f.clock = a.EndDate
	closed, err := f.svc.CloseAuction(ctx, CloseAuctionInput{Principal: f.agent, AuctionID: a.ID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.WinnerID == nil || *closed.WinnerID != winner {
		t.Fatal("close must report the recorded winner")
	}

	project, err := f.store.GetProject(ctx, f.project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.ContractorID == nil || *project.ContractorID != winner {
		t.Fatal("repeated close must repair the missed project award")
	}
	if project.Status != model.ProjectStatusActive {
		t.Errorf("project status = %s", project.Status)
	}
}

func TestCloseAuctionWithoutBids(t *testing.T) {
	f := newAuctionFixture(t)
	a := f.newAuction(t, model.AuctionTypeReverse)
	f.clock = a.EndDate
	if _, err := f.svc.CloseAuction(context.Background(), CloseAuctionInput{Principal: f.agent, AuctionID: a.ID}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("close empty auction: got %v", err)
	}
}

func TestRankingVisibilityScoping(t *testing.T) {
	f := newAuctionFixture(t)
	ctx := context.Background()
	a := f.newAuction(t, model.AuctionTypeReverse)

	alice := contractorPrincipal()
	bob := contractorPrincipal()
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: alice, AuctionID: a.ID, Amount: 100}); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := f.svc.PlaceBid(ctx, PlaceBidInput{Principal: bob, AuctionID: a.ID, Amount: 95}); err != nil {
		t.Fatalf("bid: %v", err)
	}

	owner, err := f.svc.GetRanking(ctx, f.agent, a.ID)
	if err != nil {
		t.Fatalf("owner ranking: %v", err)
	}
	if len(owner.Entries) != 2 {
		t.Fatalf("owner sees %d entries", len(owner.Entries))
	}

	mine, err := f.svc.GetRanking(ctx, alice, a.ID)
	if err != nil {
		t.Fatalf("bidder ranking: %v", err)
	}
	if len(mine.Entries) != 1 || mine.Entries[0].ContractorID != alice.UserID {
		t.Fatalf("bidder entries: %+v", mine.Entries)
	}
	if mine.Entries[0].Rank != 1 {
		t.Errorf("alice rank = %d, want 1", mine.Entries[0].Rank)
	}
	if mine.BidCount != 2 || mine.BestAmount == nil || *mine.BestAmount != 95 {
		t.Error("aggregate stats must stay visible to bidders")
	}
	if mine.Status != model.AuctionStatusLive {
		t.Errorf("derived status = %s", mine.Status)
	}
}
