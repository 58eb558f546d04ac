package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventKind names a lifecycle or bid fact published to subscribers.
type EventKind string

const (
	EventOpened              EventKind = "opened"
	EventBidAccepted         EventKind = "bid_accepted"
	EventExtended            EventKind = "extended"
	EventClosing             EventKind = "closing"
	EventClosed              EventKind = "closed"
	EventSettlementRequested EventKind = "settlement_requested"
	EventSettled             EventKind = "settled"
)

// AuctionEvent is one entry in an auction's ordered event log.
//
// Seq is monotonic per auction and doubles as the subscriber cursor: a
// consumer that reconnects with its last seen Seq resumes without gaps.
// Payload is a msgpack-encoded, kind-specific body. Rows are retained until
// the auction settles and its log is archived.
type AuctionEvent struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_auction_events_auction_id_seq;<-:create"`
	Seq       uint64    `gorm:"type:bigint;not null;uniqueIndex:idx_auction_events_auction_id_seq;<-:create"`
	Kind      EventKind `gorm:"type:varchar(32);not null;<-:create"`
	Payload   []byte    `gorm:"type:bytea;<-:create"`
	At        time.Time `gorm:"not null;<-:create"`
}
