package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/utils"
)

const defaultChannelQueueSize = 100

type channelWorker struct {
	ch    Channel
	queue chan bus.OutboundMessage
	done  chan struct{}
}

// Manager starts transports and delivers outbound messages to them. Each
// transport has one send worker, so replies to it keep their order.
type Manager struct {
	channels     map[string]Channel
	workers      map[string]*channelWorker
	bus          *bus.MessageBus
	dispatchDone chan struct{}
	cancel       context.CancelFunc
	mu           sync.RWMutex
}

func NewManager(messageBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		workers:  make(map[string]*channelWorker),
		bus:      messageBus,
	}
}

// Register adds ch. It must be called before StartAll.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.workers[name] = &channelWorker{
		ch:    ch,
		queue: make(chan bus.OutboundMessage, defaultChannelQueueSize),
		done:  make(chan struct{}),
	}
	logger.InfoCF("channels", "Channel registered", map[string]any{
		"channel": name,
	})
	return nil
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every channel and the outbound dispatcher. It fails if any
// channel fails to start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	logger.InfoC("channels", "Starting all channels")

	for name, channel := range m.channels {
		logger.InfoCF("channels", "Starting channel", map[string]any{
			"channel": name,
		})
		if err := channel.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
	}

	// Sends outlive ctx so queued replies can drain during StopAll.
	sendCtx := context.WithoutCancel(ctx)
	dispatchCtx, cancel := context.WithCancel(sendCtx)
	m.cancel = cancel
	m.dispatchDone = make(chan struct{})

	for name, w := range m.workers {
		go m.runWorker(sendCtx, name, w)
	}
	go m.dispatchOutbound(dispatchCtx)

	logger.InfoC("channels", "All channels started")
	return nil
}

// StopAll stops the dispatcher, drains queued replies and stops every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if m.cancel != nil {
		m.cancel()
		<-m.dispatchDone
		m.cancel = nil

		for _, w := range m.workers {
			close(w.queue)
		}
		for _, w := range m.workers {
			<-w.done
		}
	}

	var firstErr error
	for name, channel := range m.channels {
		logger.InfoCF("channels", "Stopping channel", map[string]any{
			"channel": name,
		})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return firstErr
}

// StartTyping shows the typing indicator on the named channel when it
// supports one. The returned stop function is never nil.
func (m *Manager) StartTyping(ctx context.Context, channel, chatID string) (stop func()) {
	ch, ok := m.GetChannel(channel)
	if !ok {
		return func() {}
	}
	tc, ok := ch.(TypingCapable)
	if !ok {
		return func() {}
	}
	return tc.StartTyping(ctx, chatID)
}

// runWorker sends queued messages for one channel until its queue is closed.
func (m *Manager) runWorker(ctx context.Context, name string, w *channelWorker) {
	defer close(w.done)
	for msg := range w.queue {
		maxLen := 0
		if mlp, ok := w.ch.(MessageLengthProvider); ok {
			maxLen = mlp.MaxMessageLength()
		}
		for _, chunk := range utils.SplitRunes(msg.Content, maxLen) {
			chunkMsg := msg
			chunkMsg.Content = chunk
			if err := w.ch.Send(ctx, chunkMsg); err != nil {
				logger.ErrorCF("channels", "Error sending message", map[string]any{
					"channel": name,
					"chat_id": msg.ChatID,
					"error":   err.Error(),
				})
				break
			}
		}
	}
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.dispatchDone)
	logger.InfoC("channels", "Outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}

		w, exists := m.workers[msg.Channel]
		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]any{
				"channel": msg.Channel,
			})
			continue
		}

		select {
		case w.queue <- msg:
		case <-ctx.Done():
			return
		}
	}
}
