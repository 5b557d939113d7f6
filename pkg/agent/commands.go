package agent

import (
	"fmt"
	"strings"
)

const (
	replyContextCleared = "Context cleared."
	replyRateLimited    = "You're sending messages too quickly. Please wait a moment."
)

// handleCommand runs an administrative command addressed to the bot. It
// reports false when text is not a known command, in which case text is
// treated as a query. "!model=..." is never a command.
func (al *AgentLoop) handleCommand(sessionKey, text string) (string, bool) {
	prefix := al.commandPrefix
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", false
	}

	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", false
	}

	switch strings.ToLower(fields[0]) {
	case "clear":
		al.sessions.Clear(sessionKey)
		return replyContextCleared, true
	case "context":
		return al.describeContext(sessionKey), true
	case "help":
		return al.helpText(), true
	}
	return "", false
}

func (al *AgentLoop) describeContext(sessionKey string) string {
	conv := al.sessions.GetOrCreate(sessionKey)
	if conv.Policy().UsesTokens() {
		return fmt.Sprintf("Context: %d messages, ~%d/%d tokens",
			conv.Size(), conv.EstimatedTokens(), conv.Capacity())
	}
	if conv.Capacity() <= 0 {
		return fmt.Sprintf("Context: %d messages", conv.Size())
	}
	return fmt.Sprintf("Context: %d/%d messages", conv.Size(), conv.Capacity())
}

func (al *AgentLoop) helpText() string {
	p := al.commandPrefix
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	fmt.Fprintf(&sb, "`%sclear` - forget this channel's conversation\n", p)
	fmt.Fprintf(&sb, "`%scontext` - show how much conversation is kept\n", p)
	fmt.Fprintf(&sb, "`%shelp` - show this message\n", p)
	fmt.Fprintf(&sb, "Add `!model=<name>` anywhere in a message to use another model for that reply (default `%s`).", al.defaultModel)
	if al.registry != nil && al.toolsEnabled {
		if summaries := al.registry.GetSummaries(); len(summaries) > 0 {
			sb.WriteString("\n\nTools:\n")
			sb.WriteString(strings.Join(summaries, "\n"))
		}
	}
	return sb.String()
}
