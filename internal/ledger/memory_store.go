package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nurpe/procure-core/internal/model"
)

// MemoryStore is an in-process Store with the same CAS semantics as the
// postgres store. Used by tests and local development.
type MemoryStore struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]model.Project
	milestones  map[uuid.UUID]model.Milestone
	invoices    map[uuid.UUID]model.Invoice
	byMilestone map[uuid.UUID]uuid.UUID // milestoneID -> invoiceID
	auctions    map[uuid.UUID]model.Auction
	bids        map[uuid.UUID][]model.Bid // auctionID -> append-only log
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:    make(map[uuid.UUID]model.Project),
		milestones:  make(map[uuid.UUID]model.Milestone),
		invoices:    make(map[uuid.UUID]model.Invoice),
		byMilestone: make(map[uuid.UUID]uuid.UUID),
		auctions:    make(map[uuid.UUID]model.Auction),
		bids:        make(map[uuid.UUID][]model.Bid),
	}
}

func (s *MemoryStore) CreateProject(_ context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Version = 1
	s.projects[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id uuid.UUID) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) UpdateProject(_ context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return ErrVersionConflict
	}
	p.Version++
	s.projects[p.ID] = *p
	return nil
}

func (s *MemoryStore) CreateMilestone(_ context.Context, m *model.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1
	s.milestones[m.ID] = cloneMilestone(*m)
	return nil
}

func (s *MemoryStore) GetMilestone(_ context.Context, id uuid.UUID) (*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneMilestone(m)
	return &out, nil
}

func (s *MemoryStore) UpdateMilestone(_ context.Context, m *model.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateMilestoneLocked(m)
}

func (s *MemoryStore) updateMilestoneLocked(m *model.Milestone) error {
	cur, ok := s.milestones[m.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != m.Version {
		return ErrVersionConflict
	}
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	s.milestones[m.ID] = cloneMilestone(*m)
	return nil
}

func (s *MemoryStore) UpdateMilestoneWithInvoice(_ context.Context, m *model.Milestone, inv *model.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byMilestone[inv.MilestoneID]; exists {
		return ErrInvoiceExists
	}
	if err := s.updateMilestoneLocked(m); err != nil {
		return err
	}
	inv.Version = 1
	s.invoices[inv.ID] = *inv
	s.byMilestone[inv.MilestoneID] = inv.ID
	return nil
}

func (s *MemoryStore) ListMilestonesByProject(_ context.Context, projectID uuid.UUID) ([]model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Milestone
	for _, m := range s.milestones {
		if m.ProjectID == projectID {
			out = append(out, cloneMilestone(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, id uuid.UUID) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *MemoryStore) GetInvoiceByMilestone(_ context.Context, milestoneID uuid.UUID) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byMilestone[milestoneID]
	if !ok {
		return nil, ErrNotFound
	}
	inv := s.invoices[id]
	return &inv, nil
}

func (s *MemoryStore) ListInvoicesByAgent(_ context.Context, agentID uuid.UUID) ([]model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Invoice
	for _, inv := range s.invoices {
		if inv.AgentID == agentID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Version = 1
	s.auctions[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id uuid.UUID) (*model.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) AppendBid(_ context.Context, b *model.Bid, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[b.AuctionID]
	if !ok {
		return ErrNotFound
	}
	if a.Version != expectedVersion {
		return ErrVersionConflict
	}
	a.Version++
	s.auctions[b.AuctionID] = a
	s.bids[b.AuctionID] = append(s.bids[b.AuctionID], *b)
	return nil
}

func (s *MemoryStore) ListBids(_ context.Context, auctionID uuid.UUID) ([]model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.bids[auctionID]
	out := make([]model.Bid, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) SetAuctionWinner(_ context.Context, auctionID, winnerID uuid.UUID, amount int64, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[auctionID]
	if !ok {
		return ErrNotFound
	}
	if a.Version != expectedVersion {
		return ErrVersionConflict
	}
	if a.WinnerID != nil {
		return ErrVersionConflict
	}
	w := winnerID
	a.WinnerID = &w
	a.WinningAmount = amount
	a.Version++
	s.auctions[auctionID] = a
	return nil
}

func cloneMilestone(m model.Milestone) model.Milestone {
	proofs := make([]string, len(m.ProofDocumentIDs))
	copy(proofs, m.ProofDocumentIDs)
	m.ProofDocumentIDs = proofs
	return m
}
