package redis

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	log.SetOutput(io.Discard)
}

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

type streamNotice struct {
	AuctionID string `json:"auction_id"`
	Kind      string `json:"kind"`
}

// stubMutex is a hand-rolled IAutoRenewMutex for group consumer tests.
type stubMutex struct {
	mu      sync.Mutex
	lockErr error
	cancel  context.CancelFunc
}

func (m *stubMutex) Lock(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	lockCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	return lockCtx, nil
}

func (m *stubMutex) Unlock() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
		return true, nil
	}
	return false, nil
}

func (m *stubMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}
