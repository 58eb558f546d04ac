package api

import (
	"context"
	"io"
	"log"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mazad/adapters/sse"
	"mazad/engine"
	"mazad/fanout"
	"mazad/models"
)

const testAuthSecret = "test-secret"

func init() {
	log.SetOutput(io.Discard)
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopTransport short-circuits the Redis stream: published requests loop
// straight back into the consumer, which is exactly what a single instance
// observes.
type loopTransport struct {
	ch   chan sse.PublishRequest[fanout.Event]
	once sync.Once
}

func newLoopTransport() *loopTransport {
	return &loopTransport{ch: make(chan sse.PublishRequest[fanout.Event], 16)}
}

func (l *loopTransport) Start() {}

func (l *loopTransport) Publish(req sse.PublishRequest[fanout.Event]) error {
	l.ch <- req
	return nil
}

func (l *loopTransport) Subscribe() <-chan sse.PublishRequest[fanout.Event] {
	return l.ch
}

func (l *loopTransport) Close() {
	l.once.Do(func() { close(l.ch) })
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

type serverFixture struct {
	server     *ServerImpl
	db         *gorm.DB
	router     *gin.Engine
	dispatcher *recordingDispatcher
}

func setupServer(t *testing.T) *serverFixture {
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

	transport := newLoopTransport()
	manager := sse.NewConnectionManager[fanout.Event](transport, transport)
	manager.Start()
	t.Cleanup(manager.Done)

	fan := fanout.New(db, manager)
	dispatcher := &recordingDispatcher{}
	eng := engine.New(db, fan, dispatcher)

	server := &ServerImpl{
		config: ServerConfig{
			Auth: AuthConfig{Secret: testAuthSecret, Issuer: "mazad-sso"},
		},
		logger:      newTestLogger(),
		db:          db,
		engine:      eng,
		fanout:      fan,
		sseManager:  manager,
		htmlChecker: bluemonday.UGCPolicy(),
	}
	return &serverFixture{
		server:     server,
		db:         db,
		router:     server.Router(),
		dispatcher: dispatcher,
	}
}

func (f *serverFixture) seedUser(t *testing.T, username string) models.User {
	t.Helper()
	user := models.User{Username: username}
	require.NoError(t, f.db.Create(&user).Error)
	return user
}

func (f *serverFixture) seedProperty(t *testing.T, owner models.User, status models.PropertyStatus) models.Property {
	t.Helper()
	property := models.Property{
		OwnerID:      owner.ID,
		Title:        "Harbour loft",
		Description:  "Top floor, water view.",
		City:         "Rotterdam",
		PropertyType: "apartment",
		Status:       status,
	}
	require.NoError(t, f.db.Create(&property).Error)
	return property
}

func (f *serverFixture) seedOpenAuction(t *testing.T, seller models.User) models.Auction {
	t.Helper()
	property := f.seedProperty(t, seller, models.PropertyAuction)
	now := time.Now().UTC()
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
	require.NoError(t, f.db.Create(&auction).Error)
	return auction
}

func tokenFor(t *testing.T, user models.User) string {
	t.Helper()
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mazad-sso",
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAuthSecret))
	require.NoError(t, err)
	return token
}
