package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mazad/models"
)

// The lifecycle manager owns every write to an auction's state and deadline.
// All transitions recompute against the absolute wall clock under the
// auction's key lock, so a delayed or repeated tick is harmless: a tick that
// finds no qualifying transition is a no-op.

// Tick advances every auction whose transition is due. Per-auction failures
// are logged and retried on the next tick; only query failures surface.
func (e *Engine) Tick(ctx context.Context) error {
	const op = "Tick"
	now := e.now()

	var due []uuid.UUID
	if result := e.db.WithContext(ctx).Model(&models.Auction{}).
		Where("state = ? AND scheduled_start <= ?", models.AuctionScheduled, now).
		Pluck("id", &due); result.Error != nil {
		return fmt.Errorf("[%s] Fail to scan auctions due to open, err=%w", op, result.Error)
	}
	for _, id := range due {
		if err := e.openAuction(ctx, id); err != nil {
			e.logger.Error("Fail to open auction", slog.String("auctionID", id.String()), slog.Any("error", err))
		}
	}

	due = due[:0]
	if result := e.db.WithContext(ctx).Model(&models.Auction{}).
		Where("state = ? AND current_end <= ?", models.AuctionOpen, now).
		Pluck("id", &due); result.Error != nil {
		return fmt.Errorf("[%s] Fail to scan auctions due to close, err=%w", op, result.Error)
	}
	for _, id := range due {
		if err := e.beginClosing(ctx, id); err != nil {
			e.logger.Error("Fail to begin closing", slog.String("auctionID", id.String()), slog.Any("error", err))
		}
	}

	// Auctions stuck in closing (e.g. a restart between the two steps) are
	// picked up here, which makes the machine resumable from persisted
	// state alone.
	due = due[:0]
	if result := e.db.WithContext(ctx).Model(&models.Auction{}).
		Where("state = ?", models.AuctionClosing).
		Pluck("id", &due); result.Error != nil {
		return fmt.Errorf("[%s] Fail to scan closing auctions, err=%w", op, result.Error)
	}
	for _, id := range due {
		if err := e.finalizeClosing(ctx, id); err != nil {
			e.logger.Error("Fail to finalize auction", slog.String("auctionID", id.String()), slog.Any("error", err))
		}
	}
	return nil
}

// openAuction moves scheduled → open once the start time has passed.
func (e *Engine) openAuction(ctx context.Context, auctionID uuid.UUID) error {
	ctx, unlock, err := e.lockAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	defer unlock()

	var auction models.Auction
	if result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		return fmt.Errorf("fail to load auction, err=%w", result.Error)
	}
	now := e.now()
	if auction.State != models.AuctionScheduled || now.Before(auction.ScheduledStart) {
		return nil
	}

	var event models.AuctionEvent
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Model(&models.Auction{}).
			Where("id = ?", auctionID).
			Update("state", models.AuctionOpen); result.Error != nil {
			return fmt.Errorf("fail to open auction, err=%w", result.Error)
		}
		seq, err := nextEventSeq(tx, auctionID)
		if err != nil {
			return err
		}
		event, err = newEvent(auctionID, seq, models.EventOpened, nil, now)
		if err != nil {
			return err
		}
		if result := tx.Create(&event); result.Error != nil {
			return fmt.Errorf("fail to record opened event, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, event)
	e.logger.Info("Auction opened", slog.String("auctionID", auctionID.String()))
	return nil
}

// beginClosing moves open → closing once the current deadline has passed.
// The deadline is rechecked under the lock because an admission may have
// extended it while this tick was waiting.
func (e *Engine) beginClosing(ctx context.Context, auctionID uuid.UUID) error {
	ctx, unlock, err := e.lockAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	defer unlock()

	var auction models.Auction
	if result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		return fmt.Errorf("fail to load auction, err=%w", result.Error)
	}
	now := e.now()
	if auction.State != models.AuctionOpen || auction.CurrentEnd.After(now) {
		return nil
	}

	var event models.AuctionEvent
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Model(&models.Auction{}).
			Where("id = ?", auctionID).
			Update("state", models.AuctionClosing); result.Error != nil {
			return fmt.Errorf("fail to mark auction closing, err=%w", result.Error)
		}
		seq, err := nextEventSeq(tx, auctionID)
		if err != nil {
			return err
		}
		event, err = newEvent(auctionID, seq, models.EventClosing, nil, now)
		if err != nil {
			return err
		}
		if result := tx.Create(&event); result.Error != nil {
			return fmt.Errorf("fail to record closing event, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, event)
	return nil
}

// finalizeClosing moves closing → closed: the final high bid (if any) is
// marked winning and exactly one settlement request is created for it.
func (e *Engine) finalizeClosing(ctx context.Context, auctionID uuid.UUID) error {
	ctx, unlock, err := e.lockAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	defer unlock()

	var auction models.Auction
	if result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		return fmt.Errorf("fail to load auction, err=%w", result.Error)
	}
	if auction.State != models.AuctionClosing {
		return nil
	}
	now := e.now()

	high, err := currentHigh(e.db.WithContext(ctx), auctionID)
	if err != nil {
		return err
	}

	var events []models.AuctionEvent
	var settlement models.Settlement
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextEventSeq(tx, auctionID)
		if err != nil {
			return err
		}
		if high == nil {
			// No winner: straight to closed, no settlement is ever
			// requested.
			if result := tx.Model(&models.Auction{}).
				Where("id = ?", auctionID).
				Update("state", models.AuctionClosed); result.Error != nil {
				return fmt.Errorf("fail to close auction, err=%w", result.Error)
			}
			closed, err := newEvent(auctionID, seq, models.EventClosed, ClosedPayload{}, now)
			if err != nil {
				return err
			}
			events = append(events, closed)
		} else {
			if result := tx.Model(&models.Bid{}).
				Where("id = ?", high.ID).
				Update("status", models.BidWinning); result.Error != nil {
				return fmt.Errorf("fail to mark winning bid, err=%w", result.Error)
			}
			if result := tx.Model(&models.Auction{}).
				Where("id = ?", auctionID).
				Updates(map[string]any{
					"state":          models.AuctionClosed,
					"winning_bid_id": high.ID,
				}); result.Error != nil {
				return fmt.Errorf("fail to close auction, err=%w", result.Error)
			}
			settlement = models.Settlement{
				AuctionID:    auctionID,
				WinningBidID: high.ID,
				BidderID:     high.BidderID,
				Amount:       high.Amount,
				Status:       models.SettlementRequested,
				Attempts:     1,
			}
			if result := tx.Create(&settlement); result.Error != nil {
				return fmt.Errorf("fail to create settlement, err=%w", result.Error)
			}
			closed, err := newEvent(auctionID, seq, models.EventClosed, ClosedPayload{
				WinningBidID: &high.ID,
				Amount:       high.Amount,
			}, now)
			if err != nil {
				return err
			}
			requested, err := newEvent(auctionID, seq+1, models.EventSettlementRequested, SettlementPayload{
				SettlementID: settlement.ID,
				WinningBidID: high.ID,
				BidderID:     high.BidderID,
				Amount:       high.Amount,
			}, now)
			if err != nil {
				return err
			}
			events = append(events, closed, requested)
		}
		for i := range events {
			if result := tx.Create(&events[i]); result.Error != nil {
				return fmt.Errorf("fail to record %s event, err=%w", events[i].Kind, result.Error)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, events...)
	if high != nil {
		e.logger.Info("Auction closed with winner",
			slog.String("auctionID", auctionID.String()),
			slog.String("winningBidID", high.ID.String()),
			slog.Uint64("amount", high.Amount))
		if err := e.dispatcher.Dispatch(ctx, settlement); err != nil {
			// The settlement row is durable; a retry re-dispatches it.
			e.logger.Error("Fail to dispatch settlement",
				slog.String("auctionID", auctionID.String()),
				slog.Any("error", err))
		}
	} else {
		e.logger.Info("Auction closed without bids", slog.String("auctionID", auctionID.String()))
	}
	return nil
}

// ConfirmSettlement applies the payment collaborator's terminal answer.
// captured moves closed → settled; a failed capture holds the auction in
// closed and never reopens bidding. Confirming an already settled auction is
// a no-op.
func (e *Engine) ConfirmSettlement(ctx context.Context, auctionID uuid.UUID, captured bool) error {
	const op = "ConfirmSettlement"
	ctx, unlock, err := e.lockAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	defer unlock()

	var auction models.Auction
	if result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrAuctionNotFound
		}
		return fmt.Errorf("[%s] Fail to load auction, err=%w", op, result.Error)
	}
	if auction.State == models.AuctionSettled {
		return nil
	}
	if auction.State != models.AuctionClosed {
		return ErrInvalidState
	}
	var settlement models.Settlement
	if result := e.db.WithContext(ctx).First(&settlement, "auction_id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNoSettlement
		}
		return fmt.Errorf("[%s] Fail to load settlement, err=%w", op, result.Error)
	}

	now := e.now()
	if !captured {
		err := e.db.WithContext(ctx).Model(&models.Settlement{}).
			Where("id = ?", settlement.ID).
			Updates(map[string]any{"status": models.SettlementFailed, "failed_at": now}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to mark settlement failed, err=%w", op, err)
		}
		e.logger.Warn("Settlement capture failed, auction held in closed",
			slog.String("auctionID", auctionID.String()),
			slog.Uint64("attempts", uint64(settlement.Attempts)))
		return nil
	}

	var event models.AuctionEvent
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Model(&models.Settlement{}).
			Where("id = ?", settlement.ID).
			Updates(map[string]any{"status": models.SettlementCaptured, "captured_at": now}); result.Error != nil {
			return fmt.Errorf("fail to mark settlement captured, err=%w", result.Error)
		}
		if result := tx.Model(&models.Auction{}).
			Where("id = ?", auctionID).
			Update("state", models.AuctionSettled); result.Error != nil {
			return fmt.Errorf("fail to settle auction, err=%w", result.Error)
		}
		if result := tx.Model(&models.Property{}).
			Where("id = ?", auction.PropertyID).
			Update("status", models.PropertySold); result.Error != nil {
			return fmt.Errorf("fail to mark property sold, err=%w", result.Error)
		}
		seq, err := nextEventSeq(tx, auctionID)
		if err != nil {
			return err
		}
		event, err = newEvent(auctionID, seq, models.EventSettled, SettlementPayload{
			SettlementID: settlement.ID,
			WinningBidID: settlement.WinningBidID,
			BidderID:     settlement.BidderID,
			Amount:       settlement.Amount,
		}, now)
		if err != nil {
			return err
		}
		if result := tx.Create(&event); result.Error != nil {
			return fmt.Errorf("fail to record settled event, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	e.publish(ctx, event)
	e.logger.Info("Auction settled", slog.String("auctionID", auctionID.String()))
	return nil
}

// RetrySettlement re-dispatches a settlement whose capture failed. It bumps
// the attempt counter and re-emits settlement_requested; the bid ledger is
// never touched.
func (e *Engine) RetrySettlement(ctx context.Context, auctionID uuid.UUID) (*models.Settlement, error) {
	const op = "RetrySettlement"
	ctx, unlock, err := e.lockAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var auction models.Auction
	if result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to load auction, err=%w", op, result.Error)
	}
	if auction.State != models.AuctionClosed {
		return nil, ErrInvalidState
	}
	var settlement models.Settlement
	if result := e.db.WithContext(ctx).First(&settlement, "auction_id = ?", auctionID); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNoSettlement
		}
		return nil, fmt.Errorf("[%s] Fail to load settlement, err=%w", op, result.Error)
	}
	if settlement.Status == models.SettlementCaptured {
		return nil, ErrInvalidState
	}

	now := e.now()
	var event models.AuctionEvent
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Model(&models.Settlement{}).
			Where("id = ?", settlement.ID).
			Updates(map[string]any{
				"status":   models.SettlementRequested,
				"attempts": gorm.Expr("attempts + 1"),
			}); result.Error != nil {
			return fmt.Errorf("fail to re-request settlement, err=%w", result.Error)
		}
		seq, err := nextEventSeq(tx, auctionID)
		if err != nil {
			return err
		}
		event, err = newEvent(auctionID, seq, models.EventSettlementRequested, SettlementPayload{
			SettlementID: settlement.ID,
			WinningBidID: settlement.WinningBidID,
			BidderID:     settlement.BidderID,
			Amount:       settlement.Amount,
		}, now)
		if err != nil {
			return err
		}
		if result := tx.Create(&event); result.Error != nil {
			return fmt.Errorf("fail to record settlement_requested event, err=%w", result.Error)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", op, err)
	}
	settlement.Status = models.SettlementRequested
	settlement.Attempts++

	e.publish(ctx, event)
	if err := e.dispatcher.Dispatch(ctx, settlement); err != nil {
		e.logger.Error("Fail to dispatch settlement retry",
			slog.String("auctionID", auctionID.String()),
			slog.Any("error", err))
	}
	return &settlement, nil
}
