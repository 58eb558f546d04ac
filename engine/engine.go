package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mazad/models"
)

// Publisher delivers a committed auction event to the fanout. Events are
// already persisted when Publish is called; a publish failure only delays
// live delivery, reconnecting subscribers replay from the event log.
type Publisher interface {
	Publish(ctx context.Context, event models.AuctionEvent) error
}

// SettlementDispatcher hands a capture request to the external payment
// collaborator.
type SettlementDispatcher interface {
	Dispatch(ctx context.Context, settlement models.Settlement) error
}

// ListingDirectory is the external property collaborator. The engine only
// asks whether the subject listing is still valid for sale.
type ListingDirectory interface {
	PropertyActive(ctx context.Context, propertyID uuid.UUID) (bool, error)
}

// BidderDirectory is the external identity collaborator.
type BidderDirectory interface {
	BidderEligible(ctx context.Context, bidderID, auctionID uuid.UUID) (bool, error)
}

// AuctionLocker is a cross-instance exclusive lock guarding one auction's
// critical section. Satisfied by the redis adapter's auto-renew mutex.
type AuctionLocker interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
}

// AuctionLockFactory mints the lock for one auction. Instances that share a
// database must share a factory backed by the same store; without one the
// keyring only serializes callers within this process and a concurrent
// instance can decide a bid against a stale high bid.
type AuctionLockFactory func(auctionID uuid.UUID) AuctionLocker

// Config bounds the engine's contention and anti-snipe behaviour.
type Config struct {
	// LockWait is the longest a bid submission waits for the per-auction
	// critical section before failing fast with ErrContended.
	LockWait time.Duration
	// MaxExtensions caps anti-snipe extensions per auction. The deadline
	// still holds bids until it passes once the cap is reached.
	MaxExtensions uint32
}

func (c Config) withDefaults() Config {
	if c.LockWait <= 0 {
		c.LockWait = 250 * time.Millisecond
	}
	if c.MaxExtensions == 0 {
		c.MaxExtensions = 50
	}
	return c
}

// Engine owns all mutable auction state: the bid ledger, the lifecycle state
// machine and the per-auction event sequences. Every write path runs inside
// the auction's keyed critical section and commits in a single transaction.
type Engine struct {
	db          *gorm.DB
	keys        *keyring
	lockFactory AuctionLockFactory
	publisher   Publisher
	dispatcher  SettlementDispatcher
	listings    ListingDirectory
	bidders     BidderDirectory
	now         func() time.Time
	logger      *slog.Logger
	config      Config
}

type Option func(*Engine)

// WithListingDirectory plugs in the property collaborator.
func WithListingDirectory(d ListingDirectory) Option {
	return func(e *Engine) { e.listings = d }
}

// WithBidderDirectory plugs in the identity collaborator.
func WithBidderDirectory(d BidderDirectory) Option {
	return func(e *Engine) { e.bidders = d }
}

// WithAuctionLockFactory extends the per-auction critical section across
// instances.
func WithAuctionLockFactory(factory AuctionLockFactory) Option {
	return func(e *Engine) { e.lockFactory = factory }
}

// WithClock replaces the wall clock (used by tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With(slog.String("caller", "Engine")) }
}

// WithConfig overrides the default bounds.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.config = c.withDefaults() }
}

func New(db *gorm.DB, publisher Publisher, dispatcher SettlementDispatcher, opts ...Option) *Engine {
	e := &Engine{
		db:         db,
		keys:       newKeyring(),
		publisher:  publisher,
		dispatcher: dispatcher,
		listings:   permissiveListings{},
		bidders:    permissiveBidders{},
		now:        time.Now,
		logger:     slog.Default().With(slog.String("caller", "Engine")),
		config:     Config{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// permissiveListings / permissiveBidders stand in when no collaborator is
// wired, e.g. single-tenant deployments where every listing and bidder in
// the database is valid by construction.
type permissiveListings struct{}

func (permissiveListings) PropertyActive(context.Context, uuid.UUID) (bool, error) {
	return true, nil
}

type permissiveBidders struct{}

func (permissiveBidders) BidderEligible(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}

// lockAuction enters the auction's critical section. The keyring serializes
// callers within this instance; when a lock factory is wired, the
// distributed mutex extends the same exclusion across instances. The
// returned context is cancelled if the distributed lock is lost, and the
// release func must be called exactly once. A lock that cannot be taken
// within the configured wait fails fast with ErrContended.
func (e *Engine) lockAuction(ctx context.Context, auctionID uuid.UUID) (context.Context, func(), error) {
	release, err := e.keys.acquire(ctx, auctionID, e.config.LockWait)
	if err != nil {
		return nil, nil, err
	}
	if e.lockFactory == nil {
		return ctx, release, nil
	}

	mutex := e.lockFactory(auctionID)
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, ErrContended
	}
	return lockCtx, func() {
		if _, err := mutex.Unlock(); err != nil {
			e.logger.Warn("Fail to release auction lock",
				slog.String("auctionID", auctionID.String()),
				slog.Any("error", err))
		}
		release()
	}, nil
}

// publish pushes a committed event to the fanout, logging instead of failing
// the request: the row is durable and replayable either way.
func (e *Engine) publish(ctx context.Context, events ...models.AuctionEvent) {
	for _, event := range events {
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.logger.Error("Fail to publish event",
				slog.String("auctionID", event.AuctionID.String()),
				slog.String("kind", string(event.Kind)),
				slog.Uint64("seq", event.Seq),
				slog.Any("error", err))
		}
	}
}
