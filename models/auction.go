package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuctionState is the lifecycle state of an auction. Transitions are owned
// exclusively by the engine's lifecycle manager.
type AuctionState string

const (
	AuctionScheduled AuctionState = "scheduled"
	AuctionOpen      AuctionState = "open"
	AuctionClosing   AuctionState = "closing"
	AuctionClosed    AuctionState = "closed"
	AuctionSettled   AuctionState = "settled"
)

// Auction is a time-bounded competitive sale for one property.
//
// CurrentEnd starts equal to ScheduledEnd and only ever moves forward, pushed
// by anti-snipe extensions. All prices are minor currency units.
type Auction struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PropertyID uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	SellerID   uuid.UUID `gorm:"type:uuid;not null;<-:create"`

	ReservePrice uint64 `gorm:"type:bigint;not null;<-:create"`
	MinIncrement uint64 `gorm:"type:bigint;not null;<-:create"`

	ScheduledStart time.Time `gorm:"not null;<-:create"`
	ScheduledEnd   time.Time `gorm:"not null;<-:create"`
	CurrentEnd     time.Time `gorm:"not null"`

	AntiSnipeWindow time.Duration `gorm:"type:bigint;not null;<-:create"`
	Extensions      uint32        `gorm:"type:integer;not null;default:0"`

	State        AuctionState `gorm:"type:varchar(20);not null;default:'scheduled';index"`
	WinningBidID *uuid.UUID   `gorm:"type:uuid"`
	ArchivedAt   *time.Time

	Property   *Property `gorm:"foreignKey:PropertyID"`
	Seller     *User     `gorm:"foreignKey:SellerID"`
	WinningBid *Bid      `gorm:"foreignKey:WinningBidID"`
	BidRecords []Bid     `gorm:"foreignKey:AuctionID"`
}

// BiddingOpen reports whether bids may be admitted at the given instant.
// State alone is not enough: a late scheduler tick must not let bids in past
// the deadline.
func (a Auction) BiddingOpen(now time.Time) bool {
	return a.State == AuctionOpen && !now.Before(a.ScheduledStart) && now.Before(a.CurrentEnd)
}
