package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// keyring hands out one exclusive critical section per auction id. Callers
// contending for the same auction wait up to the given bound and then fail
// fast with ErrContended; callers for different auctions never block each
// other. The registry mutex is held only to look keys up, never while
// waiting.
type keyring struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyring() *keyring {
	return &keyring{locks: make(map[uuid.UUID]*keyLock)}
}

// acquire blocks until the auction's lock is free, the wait bound expires,
// or ctx is cancelled. On success it returns the release func; the caller
// must invoke it exactly once.
func (k *keyring) acquire(ctx context.Context, id uuid.UUID, wait time.Duration) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(id)
		}, nil
	case <-timer.C:
		k.release(id)
		return nil, ErrContended
	case <-ctx.Done():
		k.release(id)
		return nil, ctx.Err()
	}
}

// release drops one reference and removes the entry once nobody holds or
// waits on it, so the registry does not grow with dead auctions.
func (k *keyring) release(id uuid.UUID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[id]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(k.locks, id)
	}
}
