package service

import (
	"errors"
	"fmt"

	"github.com/nurpe/procure-core/internal/model"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
	// ErrInvalidTransition is an illegal state move; the wrapped message
	// carries the attempted (from, to) pair.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPreconditionFailed is a gate that is not satisfied (escrow not
	// funded, missing proof, auction window not over).
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrAuctionNotLive     = errors.New("auction not live")
	ErrBidNotImproved     = errors.New("bid does not improve on current best")
	// ErrUnavailable is retryable from the caller's side; the command had
	// no effect.
	ErrUnavailable = errors.New("service unavailable")
)

func invalidTransition(from, to model.WorkStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
