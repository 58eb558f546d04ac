package sse

import (
	"context"
	"log/slog"
	"sync"

	mazadredis "mazad/adapters/redis"
)

// connectionManager fans messages out to SSE channel subscribers. Publishing
// goes through a Redis stream and every instance tails that stream, so a
// bidder connected to any instance sees events produced on any other.
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	active bool

	producer mazadredis.IProducer[PublishRequest[T]]
	consumer mazadredis.IConsumer[PublishRequest[T]]
	channels map[string]*Channel[T]
}

type managerOptions struct {
	logger *slog.Logger
}

type ManagerOption func(*managerOptions)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// NewConnectionManager builds a manager on top of a stream producer and
// consumer pair bound to the same stream key.
func NewConnectionManager[T any](
	producer mazadredis.IProducer[PublishRequest[T]],
	consumer mazadredis.IConsumer[PublishRequest[T]],
	opts ...ManagerOption,
) IConnectionManager[T] {
	options := managerOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &connectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]*Channel[T]),
		producer: producer,
		consumer: consumer,
		active:   true,
	}
}

// Start begins receiving and broadcasting messages.
func (cm *connectionManager[T]) Start() {
	cm.producer.Start()
	cm.consumer.Start()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for msg := range cm.consumer.Subscribe() {
			cm.mu.RLock()
			if channel, ok := cm.channels[msg.Channel]; ok {
				channel.Broadcast(msg.Message)
			}
			cm.mu.RUnlock()
		}
	}()
}

// Done stops the manager and drops every subscription.
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return
	}

	cm.active = false
	cm.consumer.Close()
	cm.producer.Close()
	cm.wg.Wait()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe registers a subscription on the named channel.
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]().(*Channel[T])
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish pushes data to the named channel through the stream.
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return context.Canceled
	}

	return cm.producer.Publish(PublishRequest[T]{
		Channel: channelName,
		Message: data,
	})
}

// Unsubscribe cancels a subscription on the named channel.
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
