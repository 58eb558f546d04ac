package s3

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mazad/models"
)

type recordingUploader struct {
	mu       sync.Mutex
	paths    []string
	contents [][]byte
	err      error
}

func (u *recordingUploader) UploadFileToS3(ctx context.Context, path, contentType string, fileContent []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.paths = append(u.paths, path)
	u.contents = append(u.contents, fileContent)
	return "https://cdn.example.com/" + path, nil
}

func setupArchiverDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A fresh pool connection would see an empty in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Auction{}, &models.AuctionEvent{}))
	return db
}

func seedSettledAuction(t *testing.T, db *gorm.DB, events int) models.Auction {
	now := time.Now().UTC()
	auction := models.Auction{
		ReservePrice:   100000,
		MinIncrement:   5000,
		ScheduledStart: now.Add(-2 * time.Hour),
		ScheduledEnd:   now.Add(-time.Hour),
		CurrentEnd:     now.Add(-time.Hour),
		State:          models.AuctionSettled,
	}
	require.NoError(t, db.Create(&auction).Error)

	for i := 1; i <= events; i++ {
		event := models.AuctionEvent{
			AuctionID: auction.ID,
			Seq:       uint64(i),
			Kind:      models.EventBidAccepted,
			Payload:   []byte{0x80},
			At:        now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(&event).Error)
	}
	return auction
}

func TestArchiver_ArchiveOnce(t *testing.T) {
	t.Run("archives settled auctions", func(t *testing.T) {
		db := setupArchiverDB(t)
		uploader := &recordingUploader{}
		auction := seedSettledAuction(t, db, 3)

		archiver := NewArchiver(db, uploader, time.Minute)
		require.NoError(t, archiver.ArchiveOnce(context.Background()))

		require.Len(t, uploader.paths, 1)
		assert.Equal(t, "auctions/"+auction.ID.String()+"/events.msgpack", uploader.paths[0])

		var records []archivedEvent
		require.NoError(t, msgpack.Unmarshal(uploader.contents[0], &records))
		require.Len(t, records, 3)
		assert.Equal(t, uint64(1), records[0].Seq)
		assert.Equal(t, uint64(3), records[2].Seq)
		assert.Equal(t, string(models.EventBidAccepted), records[0].Kind)

		var reloaded models.Auction
		require.NoError(t, db.First(&reloaded, "id = ?", auction.ID).Error)
		require.NotNil(t, reloaded.ArchivedAt)
	})

	t.Run("archived auctions are not re-uploaded", func(t *testing.T) {
		db := setupArchiverDB(t)
		uploader := &recordingUploader{}
		seedSettledAuction(t, db, 1)

		archiver := NewArchiver(db, uploader, time.Minute)
		require.NoError(t, archiver.ArchiveOnce(context.Background()))
		require.NoError(t, archiver.ArchiveOnce(context.Background()))

		assert.Len(t, uploader.paths, 1)
	})

	t.Run("non-settled auctions are skipped", func(t *testing.T) {
		db := setupArchiverDB(t)
		uploader := &recordingUploader{}

		now := time.Now().UTC()
		auction := models.Auction{
			ReservePrice:   100000,
			MinIncrement:   5000,
			ScheduledStart: now,
			ScheduledEnd:   now.Add(time.Hour),
			CurrentEnd:     now.Add(time.Hour),
			State:          models.AuctionOpen,
		}
		require.NoError(t, db.Create(&auction).Error)

		archiver := NewArchiver(db, uploader, time.Minute)
		require.NoError(t, archiver.ArchiveOnce(context.Background()))

		assert.Empty(t, uploader.paths)
	})

	t.Run("upload failure leaves auction unarchived", func(t *testing.T) {
		db := setupArchiverDB(t)
		uploader := &recordingUploader{err: context.DeadlineExceeded}
		auction := seedSettledAuction(t, db, 1)

		archiver := NewArchiver(db, uploader, time.Minute)
		// Per-auction errors are logged, not returned.
		require.NoError(t, archiver.ArchiveOnce(context.Background()))

		var reloaded models.Auction
		require.NoError(t, db.First(&reloaded, "id = ?", auction.ID).Error)
		assert.Nil(t, reloaded.ArchivedAt)
	})
}
