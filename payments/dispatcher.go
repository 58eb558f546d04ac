package payments

import (
	"context"
	"fmt"

	mazadredis "mazad/adapters/redis"
	"mazad/models"
)

// Dispatcher hands settlements to the capture workers through a Redis
// stream. The engine calls Dispatch after committing the settlement row, so
// a lost message is recoverable through the retry endpoint.
type Dispatcher struct {
	producer mazadredis.IProducer[CaptureRequest]
}

func NewDispatcher(producer mazadredis.IProducer[CaptureRequest]) *Dispatcher {
	return &Dispatcher{producer: producer}
}

func (d *Dispatcher) Dispatch(ctx context.Context, settlement models.Settlement) error {
	const op = "Dispatcher.Dispatch"
	err := d.producer.Publish(CaptureRequest{
		SettlementID: settlement.ID,
		AuctionID:    settlement.AuctionID,
		BidderID:     settlement.BidderID,
		Amount:       settlement.Amount,
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to enqueue capture request, err=%w", op, err)
	}
	return nil
}
