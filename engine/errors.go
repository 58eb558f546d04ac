package engine

import (
	"errors"
	"fmt"
)

// RejectionReason classifies a synchronous bid refusal. Rejections are
// client-caused: the caller may retry with a different amount, the system
// never retries them itself, and no event is emitted for them.
type RejectionReason string

const (
	ReasonAuctionNotOpen    RejectionReason = "AuctionNotOpen"
	ReasonBidTooLow         RejectionReason = "BidTooLow"
	ReasonAlreadyHighBidder RejectionReason = "AlreadyHighBidder"
	ReasonBidderIneligible  RejectionReason = "BidderIneligible"
)

// Rejection is returned from SubmitBid when the bid itself is at fault.
type Rejection struct {
	Reason RejectionReason
	// MinAcceptable is the lowest amount that would have been admitted at
	// the time of the decision. Only set for BidTooLow.
	MinAcceptable uint64
}

func (r *Rejection) Error() string {
	if r.Reason == ReasonBidTooLow {
		return fmt.Sprintf("bid rejected: %s, minimum acceptable is %d", r.Reason, r.MinAcceptable)
	}
	return fmt.Sprintf("bid rejected: %s", r.Reason)
}

// DependencyError wraps a collaborator failure (listing or bidder directory
// unreachable). The bid was not checked and nothing was written; callers can
// tell "your bid was bad" apart from "the system could not check your bid".
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("[%s] dependency failure, err=%v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

var (
	// ErrContended means the per-auction critical section could not be
	// acquired within the bounded wait. Retryable by the caller.
	ErrContended = errors.New("auction lock contended")

	// ErrAuctionNotFound means the auction id resolves to nothing.
	ErrAuctionNotFound = errors.New("auction not found")

	// ErrInvalidState means the requested transition is not legal from the
	// auction's current state.
	ErrInvalidState = errors.New("invalid auction state for this operation")

	// ErrNoSettlement means no settlement request exists for the auction.
	ErrNoSettlement = errors.New("no settlement for auction")
)
