package agent

import (
	"regexp"
	"strings"

	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/utils"
)

// MaxReplyLength is the largest reply chunk a chat transport accepts.
const MaxReplyLength = 2000

var modelMarkerRe = regexp.MustCompile(`!model=(\S+)`)

// ShouldRespond reports whether msg should trigger a query and returns its
// content with routing artifacts removed. Direct messages always qualify;
// channel messages only when the bot is mentioned. Empty content never does.
func ShouldRespond(msg bus.InboundMessage) (string, bool) {
	if msg.IsDM {
		content := strings.TrimSpace(msg.Content)
		return content, content != ""
	}
	if !msg.Mentioned {
		return "", false
	}
	content := StripMention(msg.Content, msg.BotID)
	return content, content != ""
}

// StripMention removes every <@botID> and <@!botID> token from content.
func StripMention(content, botID string) string {
	if botID == "" {
		return strings.TrimSpace(content)
	}
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

// ParseModelOverride extracts the first !model=<name> marker from text.
// It returns defaultModel when no marker is present. Only the first marker
// and the whitespace around it are removed; later markers stay in the query.
func ParseModelOverride(text, defaultModel string) (model, query string) {
	loc := modelMarkerRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return defaultModel, strings.TrimSpace(text)
	}

	model = text[loc[2]:loc[3]]
	before := strings.TrimRightFunc(text[:loc[0]], isSpace)
	after := strings.TrimLeftFunc(text[loc[1]:], isSpace)

	switch {
	case before == "":
		query = after
	case after == "":
		query = before
	default:
		query = before + " " + after
	}
	return model, strings.TrimSpace(query)
}

// ChunkMessage splits text into consecutive pieces of at most MaxReplyLength
// characters.
func ChunkMessage(text string) []string {
	return utils.SplitRunes(text, MaxReplyLength)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}
