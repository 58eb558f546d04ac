package engine

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mazad/models"
)

func init() {
	log.SetOutput(io.Discard)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.AuctionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event models.AuctionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) kinds() []models.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]models.EventKind, 0, len(p.events))
	for _, event := range p.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []models.Settlement
}

func (d *recordingDispatcher) Dispatch(_ context.Context, settlement models.Settlement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, settlement)
	return nil
}

func (d *recordingDispatcher) snapshot() []models.Settlement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Settlement(nil), d.dispatched...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubLockRegistry mints cross-instance auction locks backed by counters, so
// tests can assert the distributed lock wraps every write path.
type stubLockRegistry struct {
	mu      sync.Mutex
	lockErr error
	locks   map[uuid.UUID]int
	unlocks map[uuid.UUID]int
}

func newStubLockRegistry() *stubLockRegistry {
	return &stubLockRegistry{
		locks:   make(map[uuid.UUID]int),
		unlocks: make(map[uuid.UUID]int),
	}
}

func (r *stubLockRegistry) locker(id uuid.UUID) AuctionLocker {
	return &stubAuctionLock{registry: r, id: id}
}

func (r *stubLockRegistry) setLockErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockErr = err
}

func (r *stubLockRegistry) counts(id uuid.UUID) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[id], r.unlocks[id]
}

type stubAuctionLock struct {
	registry *stubLockRegistry
	id       uuid.UUID
}

func (l *stubAuctionLock) Lock(ctx context.Context) (context.Context, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockErr != nil {
		return nil, r.lockErr
	}
	r.locks[l.id]++
	return ctx, nil
}

func (l *stubAuctionLock) Unlock() (bool, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocks[l.id]++
	return true, nil
}

type engineFixture struct {
	engine     *Engine
	db         *gorm.DB
	publisher  *recordingPublisher
	dispatcher *recordingDispatcher
	clock      *fakeClock
}

func setupEngine(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A fresh pool connection would see an empty in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Property{},
		&models.Auction{},
		&models.Bid{},
		&models.AuctionEvent{},
		&models.Settlement{},
	))

	fixture := &engineFixture{
		db:         db,
		publisher:  &recordingPublisher{},
		dispatcher: &recordingDispatcher{},
		clock:      newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	options := append([]Option{
		WithClock(fixture.clock.Now),
		WithConfig(Config{LockWait: 2 * time.Second, MaxExtensions: 50}),
	}, opts...)
	fixture.engine = New(db, fixture.publisher, fixture.dispatcher, options...)
	return fixture
}

// seedAuction creates a seller, a property under auction and the auction
// itself. Defaults: reserve 1000, increment 50, open since an hour, closing
// in an hour, 2 minute anti-snipe window.
func (f *engineFixture) seedAuction(t *testing.T, mutate func(*models.Auction)) models.Auction {
	t.Helper()

	seller := models.User{Username: "seller"}
	require.NoError(t, f.db.Create(&seller).Error)
	property := models.Property{
		OwnerID:      seller.ID,
		Title:        "Canal-side townhouse",
		Description:  "Three floors, south-facing garden.",
		City:         "Amsterdam",
		PropertyType: "house",
		Status:       models.PropertyAuction,
	}
	require.NoError(t, f.db.Create(&property).Error)

	now := f.clock.Now()
	auction := models.Auction{
		PropertyID:      property.ID,
		SellerID:        seller.ID,
		ReservePrice:    1000,
		MinIncrement:    50,
		ScheduledStart:  now.Add(-time.Hour),
		ScheduledEnd:    now.Add(time.Hour),
		CurrentEnd:      now.Add(time.Hour),
		AntiSnipeWindow: 2 * time.Minute,
		State:           models.AuctionOpen,
	}
	if mutate != nil {
		mutate(&auction)
	}
	require.NoError(t, f.db.Create(&auction).Error)
	return auction
}

func (f *engineFixture) seedBidder(t *testing.T, username string) models.User {
	t.Helper()
	bidder := models.User{Username: username}
	require.NoError(t, f.db.Create(&bidder).Error)
	return bidder
}

func (f *engineFixture) loadAuction(t *testing.T, auction models.Auction) models.Auction {
	t.Helper()
	var loaded models.Auction
	require.NoError(t, f.db.First(&loaded, "id = ?", auction.ID).Error)
	return loaded
}

func (f *engineFixture) loadEvents(t *testing.T, auction models.Auction) []models.AuctionEvent {
	t.Helper()
	var events []models.AuctionEvent
	require.NoError(t, f.db.
		Where("auction_id = ?", auction.ID).
		Order("seq ASC").
		Find(&events).Error)
	return events
}

func (f *engineFixture) loadBids(t *testing.T, auction models.Auction) []models.Bid {
	t.Helper()
	var bids []models.Bid
	require.NoError(t, f.db.
		Where("auction_id = ?", auction.ID).
		Order("seq ASC").
		Find(&bids).Error)
	return bids
}
