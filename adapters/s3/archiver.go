package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/gorm"

	"mazad/models"
)

// Uploader is the slice of S3Operator the archiver needs.
type Uploader interface {
	UploadFileToS3(ctx context.Context, path, contentType string, fileContent []byte) (string, error)
}

// Archiver copies the event log of settled auctions to object storage. The
// database stays the source of truth; the archive is a cold copy for audit
// and lets old streams be inspected long after the auction ended.
type Archiver struct {
	db       *gorm.DB
	uploader Uploader
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type ArchiverOption func(*Archiver)

// WithArchiverLogger sets the logger.
func WithArchiverLogger(logger *slog.Logger) ArchiverOption {
	return func(a *Archiver) { a.logger = logger.With(slog.String("caller", "Archiver")) }
}

// WithArchiverClock overrides the time source, mainly for tests.
func WithArchiverClock(now func() time.Time) ArchiverOption {
	return func(a *Archiver) { a.now = now }
}

func NewArchiver(db *gorm.DB, uploader Uploader, interval time.Duration, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		db:       db,
		uploader: uploader,
		interval: interval,
		logger:   slog.Default().With(slog.String("caller", "Archiver")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// archivedEvent is the wire shape written to the archive object.
type archivedEvent struct {
	Seq     uint64    `msgpack:"seq"`
	Kind    string    `msgpack:"kind"`
	Payload []byte    `msgpack:"payload"`
	At      time.Time `msgpack:"at"`
}

// Run blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("Archiver started", slog.Duration("interval", a.interval))
	defer a.logger.Info("Archiver stopped")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.ArchiveOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				a.logger.Error("Archive pass failed", slog.Any("error", err))
			}
		}
	}
}

// ArchiveOnce uploads the event log of every settled, not yet archived
// auction. Each auction is archived independently; one failure does not
// block the rest.
func (a *Archiver) ArchiveOnce(ctx context.Context) error {
	const op = "Archiver.ArchiveOnce"

	var auctions []models.Auction
	err := a.db.WithContext(ctx).
		Where("state = ? AND archived_at IS NULL", models.AuctionSettled).
		Find(&auctions).Error
	if err != nil {
		return fmt.Errorf("[%s] Fail to list settled auctions, err=%w", op, err)
	}

	for _, auction := range auctions {
		if err := a.archiveAuction(ctx, auction); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Error("Fail to archive auction",
				slog.String("auctionID", auction.ID.String()),
				slog.Any("error", err))
		}
	}
	return nil
}

func (a *Archiver) archiveAuction(ctx context.Context, auction models.Auction) error {
	const op = "Archiver.archiveAuction"

	var events []models.AuctionEvent
	err := a.db.WithContext(ctx).
		Where("auction_id = ?", auction.ID).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return fmt.Errorf("[%s] Fail to load events, err=%w", op, err)
	}

	records := lo.Map(events, func(event models.AuctionEvent, _ int) archivedEvent {
		return archivedEvent{
			Seq:     event.Seq,
			Kind:    string(event.Kind),
			Payload: event.Payload,
			At:      event.At,
		}
	})

	content, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal events, err=%w", op, err)
	}

	path := fmt.Sprintf("auctions/%s/events.msgpack", auction.ID)
	uri, err := a.uploader.UploadFileToS3(ctx, path, "application/msgpack", content)
	if err != nil {
		return fmt.Errorf("[%s] Fail to upload archive, err=%w", op, err)
	}

	archivedAt := a.now()
	err = a.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ?", auction.ID).
		Update("archived_at", archivedAt).Error
	if err != nil {
		return fmt.Errorf("[%s] Fail to mark auction archived, err=%w", op, err)
	}

	a.logger.Info("Auction event log archived",
		slog.String("auctionID", auction.ID.String()),
		slog.String("uri", uri),
		slog.Int("events", len(records)))
	return nil
}
