package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/gorm"

	"mazad/adapters/sse"
	"mazad/models"
)

// Event is the wire shape delivered to subscribers. EventID is the
// per-auction sequence number and doubles as the reconnect cursor.
type Event struct {
	EventID   uint64         `json:"event_id"`
	AuctionID uuid.UUID      `json:"auction_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// ChannelName returns the SSE channel for one auction's event stream.
func ChannelName(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String()
}

// Fanout delivers auction events to live subscribers. Delivery rides on the
// connection manager (best effort, cross-instance); completeness comes from
// replaying the persisted event log on subscribe, so a subscriber that
// reconnects with its last seen EventID never misses an event. Boundary
// duplicates are possible and harmless: EventID makes delivery idempotent.
type Fanout struct {
	db      *gorm.DB
	manager sse.IConnectionManager[Event]
	logger  *slog.Logger
}

type Option func(*Fanout)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fanout) { f.logger = logger.With(slog.String("caller", "Fanout")) }
}

func New(db *gorm.DB, manager sse.IConnectionManager[Event], opts ...Option) *Fanout {
	f := &Fanout{
		db:      db,
		manager: manager,
		logger:  slog.Default().With(slog.String("caller", "Fanout")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish pushes one persisted event to live subscribers on every instance.
// The caller has already committed the event row; failure here only degrades
// liveness, never correctness.
func (f *Fanout) Publish(ctx context.Context, event models.AuctionEvent) error {
	const op = "Fanout.Publish"
	wire, err := eventFromModel(event)
	if err != nil {
		return fmt.Errorf("[%s] Fail to decode event payload, err=%w", op, err)
	}
	if err := f.manager.Publish(ChannelName(event.AuctionID), wire); err != nil {
		return fmt.Errorf("[%s] Fail to publish event, err=%w", op, err)
	}
	return nil
}

// Subscribe returns a stream of events for one auction, starting after
// afterSeq. Persisted events are replayed first, then live delivery takes
// over; the live feed is attached before the replay query so nothing can
// fall between the two. The returned cancel func must be called to release
// the subscription.
//
// Live delivery is best-effort per connection: a publish that never reaches
// this instance is only logged, and the subscriber sees the event on its
// next Subscribe from the last EventID it handled. Completeness is a
// property of the cursor, not of any single connection.
func (f *Fanout) Subscribe(ctx context.Context, auctionID uuid.UUID, afterSeq uint64) (<-chan Event, func(), error) {
	const op = "Fanout.Subscribe"

	channel := ChannelName(auctionID)
	live, err := f.manager.Subscribe(channel)
	if err != nil {
		return nil, nil, fmt.Errorf("[%s] Fail to subscribe channel, err=%w", op, err)
	}

	var rows []models.AuctionEvent
	err = f.db.WithContext(ctx).
		Where("auction_id = ? AND seq > ?", auctionID, afterSeq).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		f.manager.Unsubscribe(channel, live)
		return nil, nil, fmt.Errorf("[%s] Fail to replay events, err=%w", op, err)
	}

	out := make(chan Event, len(rows)+1)
	done := make(chan struct{})

	go func() {
		defer close(out)

		cursor := afterSeq
		for _, row := range rows {
			wire, err := eventFromModel(row)
			if err != nil {
				f.logger.Error("Fail to decode replayed event",
					slog.String("auctionID", auctionID.String()),
					slog.Uint64("seq", row.Seq),
					slog.Any("error", err))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case out <- wire:
				cursor = wire.EventID
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case event, ok := <-live:
				if !ok {
					return
				}
				// Skip anything the replay already delivered.
				if event.EventID <= cursor {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case out <- event:
					cursor = event.EventID
				}
			}
		}
	}()

	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			close(done)
			f.manager.Unsubscribe(channel, live)
		})
	}
	return out, cancel, nil
}

// Events returns the persisted event log after the given cursor, for
// poll-style consumers.
func (f *Fanout) Events(ctx context.Context, auctionID uuid.UUID, afterSeq uint64) ([]Event, error) {
	const op = "Fanout.Events"

	var rows []models.AuctionEvent
	err := f.db.WithContext(ctx).
		Where("auction_id = ? AND seq > ?", auctionID, afterSeq).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load events, err=%w", op, err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		wire, err := eventFromModel(row)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to decode event seq=%d, err=%w", op, row.Seq, err)
		}
		events = append(events, wire)
	}
	return events, nil
}

func eventFromModel(event models.AuctionEvent) (Event, error) {
	wire := Event{
		EventID:   event.Seq,
		AuctionID: event.AuctionID,
		Kind:      string(event.Kind),
		At:        event.At,
	}
	if len(event.Payload) > 0 {
		payload := make(map[string]any)
		if err := msgpack.Unmarshal(event.Payload, &payload); err != nil {
			return Event{}, err
		}
		wire.Payload = payload
	}
	return wire, nil
}
