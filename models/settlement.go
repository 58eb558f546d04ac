package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SettlementStatus tracks the payment-capture handoff for a won auction.
type SettlementStatus string

const (
	SettlementRequested SettlementStatus = "requested"
	SettlementCaptured  SettlementStatus = "captured"
	SettlementFailed    SettlementStatus = "failed"
)

// Settlement records the single capture request handed to the external
// payment collaborator for an auction's winning bid. A failed capture keeps
// the auction in closed; retries bump Attempts but never touch the bid
// ledger.
type Settlement struct {
	gorm.Model

	ID           uuid.UUID        `gorm:"type:uuid;primaryKey"`
	AuctionID    uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	WinningBidID uuid.UUID        `gorm:"type:uuid;not null;<-:create"`
	BidderID     uuid.UUID        `gorm:"type:uuid;not null;<-:create"`
	Amount       uint64           `gorm:"type:bigint;not null;<-:create"`
	Status       SettlementStatus `gorm:"type:varchar(20);not null;default:'requested'"`
	Attempts     uint32           `gorm:"type:integer;not null;default:1"`
	CapturedAt   *time.Time
	FailedAt     *time.Time

	Auction    *Auction `gorm:"foreignKey:AuctionID"`
	WinningBid *Bid     `gorm:"foreignKey:WinningBidID"`
}
