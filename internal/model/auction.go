package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type AuctionType string

const (
	AuctionTypeReverse AuctionType = "REVERSE"
	AuctionTypeSealed  AuctionType = "SEALED"
)

// AuctionStatus is always derived from the clock against the window,
// never stored. A cached status is how closed auctions accept bids.
type AuctionStatus string

const (
	AuctionStatusScheduled AuctionStatus = "SCHEDULED"
	AuctionStatusLive      AuctionStatus = "LIVE"
	AuctionStatusClosed    AuctionStatus = "CLOSED"
)

type Auction struct {
	ID        uuid.UUID
	AgentID   uuid.UUID
	ProjectID uuid.UUID
	Type      AuctionType
	StartDate time.Time // immutable after creation
	EndDate   time.Time // immutable, > StartDate

	WinnerID      *uuid.UUID // set exactly once, at close
	WinningAmount int64

	Version   int64
	CreatedAt time.Time
}

// Bid is one immutable record in an auction's append-only log. Re-bidding
// appends; nothing ever mutates or deletes a prior bid.
type Bid struct {
	ID           uuid.UUID
	AuctionID    uuid.UUID
	ContractorID uuid.UUID
	Amount       int64 // minor units, positive
	SubmittedAt  time.Time
}

// DeriveAuctionStatus computes the window status at the given instant.
// The window is half-open: [start, end).
func DeriveAuctionStatus(now, start, end time.Time) AuctionStatus {
	switch {
	case now.Before(start):
		return AuctionStatusScheduled
	case now.Before(end):
		return AuctionStatusLive
	default:
		return AuctionStatusClosed
	}
}

// RankBids orders a bid log deterministically: amount ascending for
// reverse auctions, descending for sealed-reveal; ties broken by earliest
// submission, then by id. Index 0 is the current leader. The input slice
// is not modified.
func RankBids(auctionType AuctionType, bids []Bid) []Bid {
	ranked := make([]Bid, len(bids))
	copy(ranked, bids)
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Amount != b.Amount {
			if auctionType == AuctionTypeReverse {
				return a.Amount < b.Amount
			}
			return a.Amount > b.Amount
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return ranked
}

// LowestAmount returns the minimum amount over the log and whether the
// log is non-empty.
func LowestAmount(bids []Bid) (int64, bool) {
	if len(bids) == 0 {
		return 0, false
	}
	low := bids[0].Amount
	for _, b := range bids[1:] {
		if b.Amount < low {
			low = b.Amount
		}
	}
	return low, true
}

// LastBidBy returns the contractor's most recent bid in the log, if any.
func LastBidBy(bids []Bid, contractorID uuid.UUID) (Bid, bool) {
	var last Bid
	found := false
	for _, b := range bids {
		if b.ContractorID != contractorID {
			continue
		}
		if !found || b.SubmittedAt.After(last.SubmittedAt) {
			last = b
			found = true
		}
	}
	return last, found
}
