package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mazad/models"
)

// AcceptedBid is the admission result handed back to the submitter.
type AcceptedBid struct {
	BidID      uuid.UUID
	Seq        uint64
	Amount     uint64
	CurrentEnd time.Time
	Extended   bool
}

// SubmitBid validates and commits one bid against the auction's ledger.
//
// Submissions for the same auction are serialized through the keyed critical
// section, so the accept/reject decision is always computed against the
// latest committed high bid; submissions for different auctions proceed
// concurrently. The ledger append, the supersede of the prior high bid and
// the anti-snipe extension commit in one transaction.
func (e *Engine) SubmitBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount uint64) (*AcceptedBid, error) {
	const op = "SubmitBid"

	// Collaborator checks run before the critical section: they may be slow
	// and a dependency failure must abort with no side effects and no lock
	// held.
	var auction models.Auction
	if result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	active, err := e.listings.PropertyActive(ctx, auction.PropertyID)
	if err != nil {
		return nil, &DependencyError{Op: op, Err: err}
	}
	if !active {
		return nil, &Rejection{Reason: ReasonAuctionNotOpen}
	}
	eligible, err := e.bidders.BidderEligible(ctx, bidderID, auctionID)
	if err != nil {
		return nil, &DependencyError{Op: op, Err: err}
	}
	if !eligible {
		return nil, &Rejection{Reason: ReasonBidderIneligible}
	}

	ctx, unlock, err := e.lockAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload under the lock: the auction may have been extended or closed
	// while we waited.
	if result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to reload auction, err=%w", op, result.Error)
	}
	now := e.now()
	if !auction.BiddingOpen(now) {
		return nil, &Rejection{Reason: ReasonAuctionNotOpen}
	}

	high, err := currentHigh(e.db.WithContext(ctx), auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	minAcceptable := auction.ReservePrice
	if high != nil {
		minAcceptable = high.Amount + auction.MinIncrement
	}
	if amount < minAcceptable {
		return nil, &Rejection{Reason: ReasonBidTooLow, MinAcceptable: minAcceptable}
	}
	if high != nil && high.BidderID == bidderID {
		return nil, &Rejection{Reason: ReasonAlreadyHighBidder}
	}

	bid := models.Bid{
		AuctionID:  auctionID,
		BidderID:   bidderID,
		Amount:     amount,
		Status:     models.BidAccepted,
		AdmittedAt: now,
	}

	// Anti-snipe: a bid inside the window pushes the deadline to
	// admitted_at + window, in the same transaction as the append.
	extended := false
	newEnd := auction.CurrentEnd
	if auction.AntiSnipeWindow > 0 &&
		auction.CurrentEnd.Sub(now) <= auction.AntiSnipeWindow &&
		auction.Extensions < e.config.MaxExtensions {
		extended = true
		newEnd = now.Add(auction.AntiSnipeWindow)
	}

	var events []models.AuctionEvent
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextBidSeq(tx, auctionID)
		if err != nil {
			return err
		}
		bid.Seq = seq
		if result := tx.Create(&bid); result.Error != nil {
			return fmt.Errorf("fail to append bid, err=%w", result.Error)
		}
		if high != nil {
			result := tx.Model(&models.Bid{}).
				Where("id = ?", high.ID).
				Update("status", models.BidSuperseded)
			if result.Error != nil {
				return fmt.Errorf("fail to supersede prior high bid, err=%w", result.Error)
			}
		}
		if extended {
			result := tx.Model(&models.Auction{}).
				Where("id = ?", auctionID).
				Updates(map[string]any{
					"current_end": newEnd,
					"extensions":  gorm.Expr("extensions + 1"),
				})
			if result.Error != nil {
				return fmt.Errorf("fail to extend auction, err=%w", result.Error)
			}
		}

		eventSeq, err := nextEventSeq(tx, auctionID)
		if err != nil {
			return err
		}
		accepted, err := newEvent(auctionID, eventSeq, models.EventBidAccepted, BidPayload{
			BidID:    bid.ID,
			BidderID: bidderID,
			Amount:   amount,
			Seq:      bid.Seq,
		}, now)
		if err != nil {
			return err
		}
		events = append(events, accepted)
		if extended {
			extension, err := newEvent(auctionID, eventSeq+1, models.EventExtended, ExtensionPayload{NewEnd: newEnd}, now)
			if err != nil {
				return err
			}
			events = append(events, extension)
		}
		for i := range events {
			if result := tx.Create(&events[i]); result.Error != nil {
				return fmt.Errorf("fail to record %s event, err=%w", events[i].Kind, result.Error)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}

	e.publish(ctx, events...)
	e.logger.Info("Bid admitted",
		slog.String("auctionID", auctionID.String()),
		slog.String("bidderID", bidderID.String()),
		slog.Uint64("amount", amount),
		slog.Uint64("seq", bid.Seq),
		slog.Bool("extended", extended))

	return &AcceptedBid{
		BidID:      bid.ID,
		Seq:        bid.Seq,
		Amount:     amount,
		CurrentEnd: newEnd,
		Extended:   extended,
	}, nil
}
