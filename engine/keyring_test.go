package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyring_ExclusivePerKey(t *testing.T) {
	ring := newKeyring()
	id := uuid.New()
	ctx := context.Background()

	unlock, err := ring.acquire(ctx, id, 50*time.Millisecond)
	require.NoError(t, err)

	// A second caller on the same key fails fast once the wait bound expires.
	_, err = ring.acquire(ctx, id, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrContended)

	unlock()

	unlock, err = ring.acquire(ctx, id, 50*time.Millisecond)
	require.NoError(t, err)
	unlock()
}

func TestKeyring_IndependentKeys(t *testing.T) {
	ring := newKeyring()
	ctx := context.Background()

	unlockA, err := ring.acquire(ctx, uuid.New(), 10*time.Millisecond)
	require.NoError(t, err)
	defer unlockA()

	// A different key is never blocked by the first.
	unlockB, err := ring.acquire(ctx, uuid.New(), 10*time.Millisecond)
	require.NoError(t, err)
	unlockB()
}

func TestKeyring_ContextCancelWhileWaiting(t *testing.T) {
	ring := newKeyring()
	id := uuid.New()

	unlock, err := ring.acquire(context.Background(), id, time.Second)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = ring.acquire(ctx, id, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyring_WaiterTakesOverOnRelease(t *testing.T) {
	ring := newKeyring()
	id := uuid.New()
	ctx := context.Background()

	unlock, err := ring.acquire(ctx, id, time.Second)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		waiterUnlock, err := ring.acquire(ctx, id, 5*time.Second)
		assert.NoError(t, err)
		close(acquired)
		waiterUnlock()
	}()

	time.Sleep(20 * time.Millisecond)
	unlock()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestKeyring_ReleasesEntries(t *testing.T) {
	ring := newKeyring()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			for j := 0; j < 10; j++ {
				unlock, err := ring.acquire(ctx, id, time.Second)
				assert.NoError(t, err)
				unlock()
			}
		}()
	}
	wg.Wait()

	// Entries do not accumulate for auctions nobody touches anymore.
	ring.mu.Lock()
	defer ring.mu.Unlock()
	assert.Empty(t, ring.locks)
}
