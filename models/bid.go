package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BidStatus is the ledger status of a bid. A bid is created accepted, flips
// to superseded the moment a higher bid lands, and at most one bid per
// auction becomes winning once the auction closes.
type BidStatus string

const (
	BidAccepted   BidStatus = "accepted"
	BidSuperseded BidStatus = "superseded"
	BidWinning    BidStatus = "winning"
)

// Bid is one accepted entry in an auction's append-only ledger.
//
// Seq is assigned at admission time under the auction's lock and is the sole
// ordering authority; client timestamps are untrusted. Amount and Seq never
// change once written, and bids are never deleted.
type Bid struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bids_auction_id_seq;<-:create"`
	Seq        uint64    `gorm:"type:bigint;not null;uniqueIndex:idx_bids_auction_id_seq;<-:create"`
	BidderID   uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Amount     uint64    `gorm:"type:bigint;not null;<-:create"`
	Status     BidStatus `gorm:"type:varchar(20);not null"`
	AdmittedAt time.Time `gorm:"not null;<-:create"`

	Auction *Auction `gorm:"foreignKey:AuctionID"`
	Bidder  *User    `gorm:"foreignKey:BidderID"`
}
