package sse

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestChannel_SubscribeBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewChannel[string]()
	ch1 := c.Subscribe()
	ch2 := c.Subscribe()

	assert.False(t, c.IsIdle())

	c.Broadcast("bid_accepted")

	select {
	case msg := <-ch1:
		assert.Equal(t, "bid_accepted", msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on ch1")
	}

	select {
	case msg := <-ch2:
		assert.Equal(t, "bid_accepted", msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on ch2")
	}

	c.UnsubscribeAll()
	assert.True(t, c.IsIdle())
}

func TestChannel_Unsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewChannel[int]()
	ch1 := c.Subscribe()
	ch2 := c.Subscribe()

	c.Unsubscribe(ch1)

	// ch1 is closed after unsubscribe.
	_, ok := <-ch1
	assert.False(t, ok)

	c.Broadcast(42)
	select {
	case msg := <-ch2:
		assert.Equal(t, 42, msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on ch2")
	}

	c.Unsubscribe(ch2)
	assert.True(t, c.IsIdle())

	// Unsubscribing an unknown channel is a no-op.
	c.Unsubscribe(ch2)
}

func TestChannel_BufferedSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewChannel[int]()
	ch := c.Subscribe()

	// A slow subscriber does not block broadcasts within its buffer.
	for i := 0; i < subscriberBuffer; i++ {
		c.Broadcast(i)
	}

	for i := 0; i < subscriberBuffer; i++ {
		assert.Equal(t, i, <-ch)
	}

	c.UnsubscribeAll()
}

func TestChannel_ConcurrentSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewChannel[int]()

	var wg sync.WaitGroup
	const n = 10
	received := make([]int, n)

	channels := make([]<-chan int, n)
	for i := 0; i < n; i++ {
		channels[i] = c.Subscribe()
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			received[idx] = <-channels[idx]
		}(i)
	}

	c.Broadcast(7)
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, 7, received[i])
	}

	c.UnsubscribeAll()
}
