package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/logger"
)

// Channel is a chat transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// TypingCapable is implemented by transports that can show a "typing"
// indicator. StartTyping keeps the indicator active until stop is called or
// ctx is done.
type TypingCapable interface {
	StartTyping(ctx context.Context, chatID string) (stop func())
}

// MessageLengthProvider is implemented by transports with a maximum message
// length; the manager splits longer outbound messages.
type MessageLengthProvider interface {
	MaxMessageLength() int
}

// BaseChannel carries the name, allow-list and bus shared by transports.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string
	running   atomic.Bool
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       messageBus,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID may talk to the bot. An empty list
// allows everyone. senderID may be compound ("id|username"); list entries may
// be an ID, "@username", or the compound form.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	id, user := splitSender(senderID)
	for _, allowed := range c.allowList {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == senderID {
			return true
		}
		if strings.HasPrefix(allowed, "@") {
			if user != "" && strings.EqualFold(strings.TrimPrefix(allowed, "@"), user) {
				return true
			}
			continue
		}
		allowedID, _ := splitSender(allowed)
		if allowedID == id {
			return true
		}
	}
	return false
}

func splitSender(s string) (id, user string) {
	id, user, _ = strings.Cut(s, "|")
	return id, user
}

// HandleMessage publishes msg to the bus when allowID passes the allow-list.
func (c *BaseChannel) HandleMessage(ctx context.Context, allowID string, msg bus.InboundMessage) {
	if !c.IsAllowed(allowID) {
		logger.DebugCF("channels", "Message rejected by allowlist",
			map[string]any{
				"channel":   c.name,
				"sender_id": allowID,
			})
		return
	}

	msg.Channel = c.name
	if msg.SessionKey == "" {
		msg.SessionKey = c.name + ":" + msg.ChatID
	}
	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		logger.WarnCF("channels", "Failed to publish inbound message",
			map[string]any{
				"channel": c.name,
				"error":   err.Error(),
			})
	}
}
