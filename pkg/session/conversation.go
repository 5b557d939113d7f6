package session

import (
	"sync"

	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers"
)

// ErrorMarker is recorded as the assistant turn when the model produced no
// reply, so a user turn is never left unanswered in history.
const ErrorMarker = "[error: no reply was produced]"

// State is the lifecycle stage of a conversation.
type State int

const (
	StateEmpty  State = iota // no system message and no history
	StateSeeded              // system message only
	StateActive              // at least one history entry
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSeeded:
		return "seeded"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Policy decides how much history a conversation keeps. When ContextLength
// is positive the token budget applies; otherwise history is a bounded deque
// of MaxEntries entries (unbounded when MaxEntries <= 0).
type Policy struct {
	MaxEntries    int
	ContextLength int
	TrimThreshold float64
}

// EntryLimit keeps at most n history entries.
func EntryLimit(n int) Policy {
	return Policy{MaxEntries: n}
}

// TokenBudget keeps system prompt plus history within
// contextLength*threshold estimated tokens.
func TokenBudget(contextLength int, threshold float64) Policy {
	return Policy{ContextLength: contextLength, TrimThreshold: threshold}
}

func (p Policy) UsesTokens() bool {
	return p.ContextLength > 0
}

// Budget is the token ceiling for the token policy, 0 for the entry policy.
func (p Policy) Budget() int {
	if !p.UsesTokens() {
		return 0
	}
	threshold := p.TrimThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return int(float64(p.ContextLength) * threshold)
}

// Conversation is the message history of one channel. It is safe for
// concurrent use, but a whole turn should be serialized with
// SessionManager.Lock.
type Conversation struct {
	key             string
	system          *providers.Message
	history         []providers.Message
	policy          Policy
	counter         TokenCounter
	assistantPrefix string
	mu              sync.RWMutex
}

// NewConversation creates a conversation seeded with systemPrompt. An empty
// prompt leaves it Empty.
func NewConversation(key, systemPrompt string, policy Policy, opts ...Option) *Conversation {
	c := &Conversation{
		key:    key,
		policy: policy,
	}
	if systemPrompt != "" {
		c.system = &providers.Message{Role: providers.RoleSystem, Content: systemPrompt}
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c.assistantPrefix = o.assistantPrefix
	c.counter = o.counter
	if c.counter == nil && policy.UsesTokens() {
		c.counter = DefaultTokenCounter()
	}
	return c
}

func (c *Conversation) Key() string {
	return c.key
}

func (c *Conversation) Policy() Policy {
	return c.policy
}

func (c *Conversation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case len(c.history) > 0:
		return StateActive
	case c.system != nil:
		return StateSeeded
	default:
		return StateEmpty
	}
}

// AppendUser records "label: text" as a user turn.
func (c *Conversation) AppendUser(label, text string) {
	content := text
	if label != "" {
		content = label + ": " + text
	}
	c.append(providers.Message{Role: providers.RoleUser, Content: content})
}

// AppendAssistant records the model's reply, prefixed when an assistant
// prefix is configured.
func (c *Conversation) AppendAssistant(text string) {
	c.append(providers.Message{Role: providers.RoleAssistant, Content: c.assistantPrefix + text})
}

// AppendError records ErrorMarker as the assistant turn.
func (c *Conversation) AppendError() {
	c.append(providers.Message{Role: providers.RoleAssistant, Content: ErrorMarker})
}

func (c *Conversation) append(msg providers.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, msg)
	if !c.policy.UsesTokens() {
		c.evictEntriesLocked()
	}
}

// Trim applies the capacity policy and returns how many entries were evicted.
// The token policy always keeps at least one history entry.
func (c *Conversation) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted int
	if c.policy.UsesTokens() {
		evicted = c.evictTokensLocked()
	} else {
		evicted = c.evictEntriesLocked()
	}

	if evicted > 0 {
		logger.DebugCF("session", "Context trimmed",
			map[string]any{
				"session_key": c.key,
				"evicted":     evicted,
				"remaining":   len(c.history),
			})
	}
	return evicted
}

func (c *Conversation) evictEntriesLocked() int {
	limit := c.policy.MaxEntries
	if limit <= 0 || len(c.history) <= limit {
		return 0
	}
	excess := len(c.history) - limit
	c.dropOldestLocked(excess)
	return excess
}

func (c *Conversation) evictTokensLocked() int {
	budget := c.policy.Budget()
	evicted := 0
	for len(c.history) > 1 && c.estimateLocked() > budget {
		c.dropOldestLocked(1)
		evicted++
	}
	return evicted
}

func (c *Conversation) dropOldestLocked(n int) {
	kept := make([]providers.Message, len(c.history)-n)
	copy(kept, c.history[n:])
	c.history = kept
}

func (c *Conversation) estimateLocked() int {
	total := EstimateMessages(c.counter, c.history)
	if c.system != nil {
		total += c.counter.Count(c.system.Content) + perMessageOverhead
	}
	return total
}

// Snapshot returns the system message followed by history. The returned
// slice is a copy.
func (c *Conversation) Snapshot() []providers.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]providers.Message, 0, len(c.history)+1)
	if c.system != nil {
		out = append(out, *c.system)
	}
	return append(out, c.history...)
}

// Clear drops all history and keeps the system message.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// Size is the number of history entries, excluding the system message.
func (c *Conversation) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.history)
}

// Capacity is MaxEntries for the entry policy or the token budget for the
// token policy.
func (c *Conversation) Capacity() int {
	if c.policy.UsesTokens() {
		return c.policy.Budget()
	}
	return c.policy.MaxEntries
}

// EstimatedTokens is the token estimate of the full snapshot, or 0 when the
// conversation has no token counter.
func (c *Conversation) EstimatedTokens() int {
	if c.counter == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.estimateLocked()
}
