package payments

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	mazadredis "mazad/adapters/redis"
)

// SettlementConfirmer records a capture outcome on the auction. Satisfied by
// the engine.
type SettlementConfirmer interface {
	ConfirmSettlement(ctx context.Context, auctionID uuid.UUID, captured bool) error
}

// Worker drains the settlement stream, calls the payment provider, and
// reports the outcome back to the engine. Consumption is at-least-once; the
// gateway's idempotency key makes redelivered captures safe.
type Worker struct {
	consumer  mazadredis.IGroupConsumer[CaptureRequest]
	gateway   Gateway
	confirmer SettlementConfirmer
	logger    *slog.Logger
}

type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger.With(slog.String("caller", "SettlementWorker")) }
}

func NewWorker(
	consumer mazadredis.IGroupConsumer[CaptureRequest],
	gateway Gateway,
	confirmer SettlementConfirmer,
	opts ...WorkerOption,
) *Worker {
	w := &Worker{
		consumer:  consumer,
		gateway:   gateway,
		confirmer: confirmer,
		logger:    slog.Default().With(slog.String("caller", "SettlementWorker")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.consumer.Start(); err != nil {
		return err
	}
	defer w.consumer.Close()

	w.logger.Info("Settlement worker started")
	defer w.logger.Info("Settlement worker stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-w.consumer.Subscribe():
			if !ok {
				return nil
			}
			w.process(ctx, msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *mazadredis.Message[CaptureRequest]) {
	req := msg.Data
	logger := w.logger.With(
		slog.String("settlementID", req.SettlementID.String()),
		slog.String("auctionID", req.AuctionID.String()))

	err := w.gateway.Capture(ctx, req)
	switch {
	case err == nil:
		if confirmErr := w.confirmer.ConfirmSettlement(ctx, req.AuctionID, true); confirmErr != nil {
			logger.Error("Fail to record captured settlement", slog.Any("error", confirmErr))
			// Leave the message pending; redelivery is idempotent.
			return
		}
		logger.Info("Settlement captured")
	case errors.Is(err, ErrCaptureDeclined):
		// Declined is a business outcome, not a processing failure: record it
		// and ack.
		if confirmErr := w.confirmer.ConfirmSettlement(ctx, req.AuctionID, false); confirmErr != nil {
			logger.Error("Fail to record declined settlement", slog.Any("error", confirmErr))
			return
		}
		logger.Warn("Settlement capture declined")
	default:
		logger.Error("Capture attempt failed", slog.Any("error", err))
		if failErr := msg.Fail(ctx, err); failErr != nil {
			logger.Error("Fail to dead-letter capture request", slog.Any("error", failErr))
		}
		return
	}

	if err := msg.Done(ctx); err != nil {
		logger.Error("Fail to ack capture request", slog.Any("error", err))
	}
}
