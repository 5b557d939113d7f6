package bus

// InboundMessage is one chat event delivered by a transport.
type InboundMessage struct {
	Channel    string `json:"channel"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	ChatID     string `json:"chat_id"`
	MessageID  string `json:"message_id,omitempty"`
	Content    string `json:"content"`
	// IsDM is set for one-to-one conversations with the bot.
	IsDM bool `json:"is_dm"`
	// Mentioned is set when the message explicitly references the bot.
	Mentioned bool `json:"mentioned"`
	// BotID is the transport identity of the bot, used to strip mention tokens.
	BotID      string            `json:"bot_id,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one reply. ReplyTo, when set, is the message the reply
// refers to.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}
