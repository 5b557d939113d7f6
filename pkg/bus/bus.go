package bus

import (
	"context"
	"errors"
	"sync"
)

const defaultBufferSize = 100

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("message bus closed")

// MessageBus decouples transports from the agent with two buffered queues.
type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound queues msg for the agent. It blocks while the queue is full
// until ctx is done or the bus is closed.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrClosed
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	}
}

// ConsumeInbound returns the next inbound message and whether the read succeeded.
// The bool is false when the context is cancelled or the channel is closed.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound queues msg for the transports.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrClosed
	}
	select {
	case mb.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	}
}

// SubscribeOutbound returns the next outbound message and whether the read succeeded.
// The bool is false when the context is cancelled or the channel is closed.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	// Wake blocked publishers before taking the write lock they hold for reading.
	mb.closeOnce.Do(func() { close(mb.done) })

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}
