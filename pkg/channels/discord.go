package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"

	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/utils"
)

const (
	// DiscordMaxMessageLength is Discord's per-message character limit.
	DiscordMaxMessageLength = 2000

	sendTimeout    = 10 * time.Second
	typingInterval = 8 * time.Second
)

// discordAPI is the subset of *discordgo.Session used after connecting.
type discordAPI interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	api     discordAPI
	config  config.DiscordConfig
	botID   string
	ctx     context.Context
	mu      sync.RWMutex
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	if err := applyDiscordProxy(session, cfg.Proxy); err != nil {
		return nil, err
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		session:     session,
		api:         session,
		config:      cfg,
		ctx:         context.Background(),
	}, nil
}

// applyDiscordProxy routes REST and gateway traffic through proxyURL, or
// through the environment proxy settings when proxyURL is empty.
func applyDiscordProxy(session *discordgo.Session, proxyURL string) error {
	proxy := http.ProxyFromEnvironment
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return fmt.Errorf("invalid discord proxy url %q: %w", proxyURL, err)
		}
		proxy = http.ProxyURL(parsed)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxy
	session.Client = &http.Client{Timeout: 20 * time.Second, Transport: transport}
	session.Dialer = &websocket.Dialer{
		Proxy:            proxy,
		HandshakeTimeout: 45 * time.Second,
	}
	return nil
}

func (c *DiscordChannel) MaxMessageLength() int {
	return DiscordMaxMessageLength
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.session.AddHandler(c.handleReady)
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.setBotID(botUser.ID)
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) setBotID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botID = id
}

func (c *DiscordChannel) getBotID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botID
}

func (c *DiscordChannel) getContext() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Send delivers msg, splitting anything over the Discord limit. When
// msg.ReplyTo is set every chunk is sent as a reply to that message.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}

	for _, chunk := range utils.SplitRunes(msg.Content, DiscordMaxMessageLength) {
		if err := c.sendChunk(ctx, channelID, msg.ReplyTo, chunk); err != nil {
			return err
		}
	}

	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, replyTo, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if replyTo != "" {
			_, err = c.api.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
				MessageID: replyTo,
				ChannelID: channelID,
			})
		} else {
			_, err = c.api.ChannelMessageSend(channelID, content)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

// StartTyping shows the typing indicator in chatID and refreshes it until
// stop is called or ctx is done.
func (c *DiscordChannel) StartTyping(ctx context.Context, chatID string) (stop func()) {
	typingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := c.api.ChannelTyping(chatID); err != nil {
				logger.DebugCF("discord", "Failed to send typing indicator", map[string]any{
					"channel_id": chatID,
					"error":      err.Error(),
				})
			}
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *DiscordChannel) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	c.setBotID(r.User.ID)
	logger.InfoCF("discord", "Discord gateway ready", map[string]any{
		"user_id": r.User.ID,
		"guilds":  len(r.Guilds),
	})
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	botID := c.getBotID()
	if botID == "" && s != nil && s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if m.Author.ID == botID {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}

	senderName := displayName(m.Message)
	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": senderName,
		"sender_id":   m.Author.ID,
		"channel_id":  m.ChannelID,
		"preview":     utils.Truncate(m.Content, 50),
	})

	c.HandleMessage(c.getContext(), m.Author.ID+"|"+m.Author.Username, bus.InboundMessage{
		SenderID:   m.Author.ID,
		SenderName: senderName,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Content:    m.Content,
		IsDM:       m.GuildID == "",
		Mentioned:  mentioned,
		BotID:      botID,
		Metadata: map[string]string{
			"username": m.Author.Username,
			"guild_id": m.GuildID,
		},
	})
}

// displayName prefers the guild nickname, then the global display name,
// then the username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && strings.TrimSpace(m.Member.Nick) != "" {
		return m.Member.Nick
	}
	if strings.TrimSpace(m.Author.GlobalName) != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
