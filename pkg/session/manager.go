package session

import (
	"sort"
	"sync"

	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/logger"
)

type options struct {
	counter         TokenCounter
	assistantPrefix string
}

type Option func(*options)

// WithTokenCounter replaces the default BPE counter.
func WithTokenCounter(counter TokenCounter) Option {
	return func(o *options) {
		o.counter = counter
	}
}

// WithAssistantPrefix prepends prefix (e.g. "I said: ") to recorded replies.
func WithAssistantPrefix(prefix string) Option {
	return func(o *options) {
		o.assistantPrefix = prefix
	}
}

// PolicyFromConfig selects the token budget when a context length is set,
// and the entry limit otherwise.
func PolicyFromConfig(cfg *config.Config) Policy {
	if cfg.Backend.ContextLength > 0 {
		return TokenBudget(cfg.Backend.ContextLength, cfg.Context.TrimThreshold)
	}
	return EntryLimit(cfg.Context.Limit)
}

type session struct {
	conv *Conversation
	turn sync.Mutex
}

// SessionManager owns one Conversation per channel key. Conversations are
// created on first use and live until the process exits.
type SessionManager struct {
	sessions     map[string]*session
	systemPrompt string
	policy       Policy
	opts         []Option
	mu           sync.Mutex
}

func NewSessionManager(systemPrompt string, policy Policy, opts ...Option) *SessionManager {
	return &SessionManager{
		sessions:     make(map[string]*session),
		systemPrompt: systemPrompt,
		policy:       policy,
		opts:         opts,
	}
}

func (sm *SessionManager) getOrCreate(key string) *session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[key]
	if !ok {
		s = &session{conv: NewConversation(key, sm.systemPrompt, sm.policy, sm.opts...)}
		sm.sessions[key] = s
		logger.DebugCF("session", "Conversation created",
			map[string]any{
				"session_key": key,
			})
	}
	return s
}

// GetOrCreate returns the conversation for key, creating it if needed.
func (sm *SessionManager) GetOrCreate(key string) *Conversation {
	return sm.getOrCreate(key).conv
}

// Lock serializes turns on key. Other keys are unaffected. The returned
// function releases the lock.
func (sm *SessionManager) Lock(key string) (unlock func()) {
	s := sm.getOrCreate(key)
	s.turn.Lock()
	return s.turn.Unlock
}

// Clear resets the conversation for key to its seeded state. It reports
// whether a conversation existed.
func (sm *SessionManager) Clear(key string) bool {
	sm.mu.Lock()
	s, ok := sm.sessions[key]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	s.conv.Clear()
	return true
}

func (sm *SessionManager) Policy() Policy {
	return sm.policy
}

// Keys returns the known session keys in sorted order.
func (sm *SessionManager) Keys() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	keys := make([]string, 0, len(sm.sessions))
	for k := range sm.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}
