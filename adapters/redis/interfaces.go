package redis

import (
	"context"
)

// IProducer publishes typed messages onto a Redis stream.
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IConsumer tails a Redis stream and fans messages out to one subscriber
// channel. Every instance sees every message (no consumer group).
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IGroupConsumer reads a Redis stream through a consumer group, delivering
// each message to exactly one consumer with explicit ack/fail handling.
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}

// IAutoRenewMutex is a distributed lock that renews itself while held.
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}
