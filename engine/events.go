package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"mazad/models"
)

// BidPayload is the body of bid_accepted events.
type BidPayload struct {
	BidID    uuid.UUID `msgpack:"bid_id" json:"bid_id"`
	BidderID uuid.UUID `msgpack:"bidder_id" json:"bidder_id"`
	Amount   uint64    `msgpack:"amount" json:"amount"`
	Seq      uint64    `msgpack:"seq" json:"seq"`
}

// ExtensionPayload is the body of extended events.
type ExtensionPayload struct {
	NewEnd time.Time `msgpack:"new_end" json:"new_end"`
}

// ClosedPayload is the body of closed events. WinningBidID is nil when the
// auction ended with no bids.
type ClosedPayload struct {
	WinningBidID *uuid.UUID `msgpack:"winning_bid_id" json:"winning_bid_id"`
	Amount       uint64     `msgpack:"amount" json:"amount"`
}

// SettlementPayload is the body of settlement_requested and settled events.
type SettlementPayload struct {
	SettlementID uuid.UUID `msgpack:"settlement_id" json:"settlement_id"`
	WinningBidID uuid.UUID `msgpack:"winning_bid_id" json:"winning_bid_id"`
	BidderID     uuid.UUID `msgpack:"bidder_id" json:"bidder_id"`
	Amount       uint64    `msgpack:"amount" json:"amount"`
}

// newEvent builds a ledger event row. Seq must have been assigned under the
// auction's lock.
func newEvent(auctionID uuid.UUID, seq uint64, kind models.EventKind, payload any, at time.Time) (models.AuctionEvent, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = msgpack.Marshal(payload)
		if err != nil {
			return models.AuctionEvent{}, fmt.Errorf("marshal %s payload, err=%w", kind, err)
		}
	}
	return models.AuctionEvent{
		AuctionID: auctionID,
		Seq:       seq,
		Kind:      kind,
		Payload:   body,
		At:        at,
	}, nil
}
