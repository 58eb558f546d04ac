package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mazad/models"
)

// The bid ledger is append-only: rows are inserted under the auction's
// critical section, amounts and sequence numbers never change afterwards,
// and nothing is ever deleted. The helpers below are the only ledger
// accessors; every writer already holds the auction's key lock.

// currentHigh returns the accepted bid, which by construction carries the
// highest amount and the highest sequence number, or nil for a fresh ledger.
func currentHigh(tx *gorm.DB, auctionID uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	result := tx.
		Where("auction_id = ? AND status = ?", auctionID, models.BidAccepted).
		Order("seq DESC").
		First(&bid)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("fail to load current high bid, err=%w", result.Error)
	}
	return &bid, nil
}

// nextBidSeq assigns the next gap-free sequence number for the auction.
func nextBidSeq(tx *gorm.DB, auctionID uuid.UUID) (uint64, error) {
	var max uint64
	result := tx.Model(&models.Bid{}).
		Where("auction_id = ?", auctionID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&max)
	if result.Error != nil {
		return 0, fmt.Errorf("fail to compute next bid seq, err=%w", result.Error)
	}
	return max + 1, nil
}

// nextEventSeq assigns the next per-auction event sequence number, the
// subscribers' cursor space.
func nextEventSeq(tx *gorm.DB, auctionID uuid.UUID) (uint64, error) {
	var max uint64
	result := tx.Model(&models.AuctionEvent{}).
		Where("auction_id = ?", auctionID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&max)
	if result.Error != nil {
		return 0, fmt.Errorf("fail to compute next event seq, err=%w", result.Error)
	}
	return max + 1, nil
}

// CurrentHigh returns the latest committed high bid for the auction, or nil
// when nobody has bid. Reads never take the write lock and never observe
// in-flight bids.
func (e *Engine) CurrentHigh(ctx context.Context, auctionID uuid.UUID) (*models.Bid, error) {
	return currentHigh(e.db.WithContext(ctx), auctionID)
}

// Bids returns the full ledger for the auction in sequence order.
func (e *Engine) Bids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error) {
	var bids []models.Bid
	result := e.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("seq ASC").
		Find(&bids)
	if result.Error != nil {
		return nil, fmt.Errorf("fail to load bid ledger, err=%w", result.Error)
	}
	return bids, nil
}

// Events returns the auction's event log with seq > after, in seq order.
func (e *Engine) Events(ctx context.Context, auctionID uuid.UUID, after uint64) ([]models.AuctionEvent, error) {
	var events []models.AuctionEvent
	result := e.db.WithContext(ctx).
		Where("auction_id = ? AND seq > ?", auctionID, after).
		Order("seq ASC").
		Find(&events)
	if result.Error != nil {
		return nil, fmt.Errorf("fail to load event log, err=%w", result.Error)
	}
	return events, nil
}
