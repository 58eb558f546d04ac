package sse

// PublishRequest wraps a message with the channel it belongs to, which is
// what actually travels over the Redis stream between instances.
type PublishRequest[T any] struct {
	Channel string `json:"channel"`
	Message T      `json:"message"`
}

// IChannel manages the subscribers of one topic and broadcasts incoming
// messages to all of them.
type IChannel[T any] interface {
	// Subscribe creates a new subscription and returns its receive channel.
	Subscribe() <-chan T
	// Unsubscribe removes the given subscription.
	Unsubscribe(ch <-chan T)
	// UnsubscribeAll drops every subscription.
	UnsubscribeAll()
	// Broadcast delivers a message to every subscriber.
	Broadcast(message T)
	// IsIdle reports whether the channel has no subscribers.
	IsIdle() bool
}

// IConnectionManager routes published messages to channel subscribers across
// all service instances.
type IConnectionManager[T any] interface {
	// Start begins receiving and broadcasting messages. Call before any
	// other method.
	Start()
	// Done stops the manager and releases all subscriptions.
	Done()
	// Subscribe registers a subscription on the named channel.
	Subscribe(channelName string) (<-chan T, error)
	// Publish pushes data to the named channel on every instance.
	Publish(channelName string, data T) error
	// Unsubscribe cancels a subscription on the named channel.
	Unsubscribe(channelName string, ch <-chan T)
}
