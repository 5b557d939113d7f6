package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers"
	"github.com/sipeed/llmbot/pkg/ratelimit"
	"github.com/sipeed/llmbot/pkg/redaction"
	"github.com/sipeed/llmbot/pkg/session"
	"github.com/sipeed/llmbot/pkg/tools"
	"github.com/sipeed/llmbot/pkg/utils"
)

const (
	workerIdleTimeout      = 5 * time.Minute
	limiterCleanupInterval = 5 * time.Minute
	directSenderLabel      = "user"
)

// ErrEmptyQuery is returned by ProcessDirect when nothing is left to ask
// after the model marker is removed.
var ErrEmptyQuery = errors.New("query is empty")

// Typer shows a "working" indicator in a chat until stop is called.
// *channels.Manager satisfies it.
type Typer interface {
	StartTyping(ctx context.Context, channel, chatID string) (stop func())
}

type noopTyper struct{}

func (noopTyper) StartTyping(context.Context, string, string) func() { return func() {} }

// sessionWorker holds the messages waiting for one session key. pending is
// guarded by AgentLoop.mu; wake is signalled after every append.
type sessionWorker struct {
	pending []bus.InboundMessage
	wake    chan struct{}
}

// AgentLoop turns inbound chat messages into model replies. Each session
// key gets its own worker, so one channel is answered strictly in order
// while different channels are served concurrently.
type AgentLoop struct {
	bus           *bus.MessageBus
	sessions      *session.SessionManager
	orchestrator  *Orchestrator
	registry      *tools.ToolRegistry
	limiter       *ratelimit.Limiter
	redactor      *redaction.Redactor
	typer         Typer
	defaultModel  string
	commandPrefix string
	toolsEnabled  bool

	workers    map[string]*sessionWorker
	workerIdle time.Duration
	quit       chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running atomic.Bool
}

type LoopOption func(*loopOptions)

type loopOptions struct {
	typer       Typer
	limiter     *ratelimit.Limiter
	sessionOpts []session.Option
	workerIdle  time.Duration
}

// WithTyper sets where typing indicators are shown.
func WithTyper(t Typer) LoopOption {
	return func(o *loopOptions) {
		o.typer = t
	}
}

// WithRequestLimiter throttles queries per sender.
func WithRequestLimiter(l *ratelimit.Limiter) LoopOption {
	return func(o *loopOptions) {
		o.limiter = l
	}
}

// WithSessionOptions forwards options to every conversation.
func WithSessionOptions(opts ...session.Option) LoopOption {
	return func(o *loopOptions) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// NewAgentLoop wires a loop from cfg. registry may be nil, which disables
// tools regardless of cfg.Tools.Enabled.
func NewAgentLoop(
	cfg *config.Config,
	msgBus *bus.MessageBus,
	provider providers.LLMProvider,
	registry *tools.ToolRegistry,
	opts ...LoopOption,
) (*AgentLoop, error) {
	systemPrompt, err := cfg.ResolveSystemPrompt()
	if err != nil {
		return nil, err
	}

	o := loopOptions{typer: noopTyper{}, workerIdle: workerIdleTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.typer == nil {
		o.typer = noopTyper{}
	}

	sessionOpts := append([]session.Option{session.WithAssistantPrefix(cfg.Context.AssistantPrefix)}, o.sessionOpts...)

	var executor ToolExecutor
	if registry != nil {
		executor = registry
	}

	defaultModel := cfg.Backend.Model
	if defaultModel == "" {
		defaultModel = provider.GetDefaultModel()
	}

	return &AgentLoop{
		bus:      msgBus,
		sessions: session.NewSessionManager(systemPrompt, session.PolicyFromConfig(cfg), sessionOpts...),
		orchestrator: NewOrchestrator(provider, executor,
			WithModelOptions(providers.DefaultOptions(cfg)),
			WithCallTimeout(cfg.RequestTimeout()),
		),
		registry:      registry,
		limiter:       o.limiter,
		redactor:      redaction.NewRedactor(cfg.Backend.APIKey, cfg.Discord.Token),
		typer:         o.typer,
		defaultModel:  defaultModel,
		commandPrefix: cfg.Discord.CommandPrefix,
		toolsEnabled:  cfg.Tools.Enabled && registry != nil && registry.Count() > 0,
		workers:       make(map[string]*sessionWorker),
		workerIdle:    o.workerIdle,
		quit:          make(chan struct{}),
	}, nil
}

// Sessions exposes the conversation store, mainly for diagnostics.
func (al *AgentLoop) Sessions() *session.SessionManager {
	return al.sessions
}

func (al *AgentLoop) ToolsEnabled() bool {
	return al.toolsEnabled
}

// Run consumes inbound messages until ctx is done or the bus is closed. It
// then stops accepting work, lets in-flight queries finish and returns.
// Queued messages that have not started are dropped. Run may be called once.
func (al *AgentLoop) Run(ctx context.Context) error {
	if !al.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent loop already running")
	}
	defer al.running.Store(false)

	if al.limiter.Enabled() {
		go al.cleanupLimiter(ctx)
	}

	// Queries outlive ctx so a shutdown never cuts a reply in half.
	workCtx := context.WithoutCancel(ctx)

	for {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		al.dispatch(workCtx, msg)
	}

	logger.InfoC("agent", "Agent loop stopping")
	close(al.quit)
	al.wg.Wait()
	logger.InfoC("agent", "Agent loop stopped")
	return nil
}

func (al *AgentLoop) IsRunning() bool {
	return al.running.Load()
}

// dispatch hands msg to the worker for its session key without blocking, so
// a slow conversation never holds up the others.
func (al *AgentLoop) dispatch(ctx context.Context, msg bus.InboundMessage) {
	key := msg.SessionKey
	if key == "" {
		key = msg.Channel + ":" + msg.ChatID
		msg.SessionKey = key
	}

	al.mu.Lock()
	w, ok := al.workers[key]
	if !ok {
		w = &sessionWorker{wake: make(chan struct{}, 1)}
		al.workers[key] = w
		al.wg.Add(1)
		go al.runWorker(ctx, key, w)
	}
	w.pending = append(w.pending, msg)
	al.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// runWorker answers the messages of one session key in arrival order. It
// exits on shutdown, dropping what has not started, or after workerIdle
// without new messages, removing itself from the worker table.
func (al *AgentLoop) runWorker(ctx context.Context, key string, w *sessionWorker) {
	defer al.wg.Done()

	idle := time.NewTimer(al.workerIdle)
	defer idle.Stop()

	for {
		select {
		case <-al.quit:
			al.dropPending(key, w)
			return
		default:
		}

		if msg, ok := al.nextPending(w); ok {
			al.handleMessage(ctx, msg)
			idle.Reset(al.workerIdle)
			continue
		}

		select {
		case <-al.quit:
			al.dropPending(key, w)
			return
		case <-w.wake:
		case <-idle.C:
			al.mu.Lock()
			if len(w.pending) == 0 {
				delete(al.workers, key)
				al.mu.Unlock()
				return
			}
			al.mu.Unlock()
			idle.Reset(al.workerIdle)
		}
	}
}

func (al *AgentLoop) nextPending(w *sessionWorker) (bus.InboundMessage, bool) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if len(w.pending) == 0 {
		return bus.InboundMessage{}, false
	}
	msg := w.pending[0]
	w.pending[0] = bus.InboundMessage{}
	w.pending = w.pending[1:]
	return msg, true
}

func (al *AgentLoop) dropPending(key string, w *sessionWorker) {
	al.mu.Lock()
	n := len(w.pending)
	w.pending = nil
	al.mu.Unlock()

	if n > 0 {
		logger.WarnCF("agent", "Dropping queued messages on shutdown", map[string]any{
			"session_key": key,
			"count":       n,
		})
	}
}

func (al *AgentLoop) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			al.limiter.Cleanup(limiterCleanupInterval)
		}
	}
}

// handleMessage answers one inbound message. Every failure ends as a single
// reply in the originating chat.
func (al *AgentLoop) handleMessage(ctx context.Context, msg bus.InboundMessage) {
	content, ok := ShouldRespond(msg)
	if !ok {
		return
	}

	if reply, handled := al.handleCommand(msg.SessionKey, content); handled {
		al.reply(ctx, msg, reply)
		return
	}

	if !al.limiter.AllowRequest(msg.SenderID) {
		logger.WarnCF("agent", "Sender rate limited", map[string]any{
			"sender_id": msg.SenderID,
			"chat_id":   msg.ChatID,
		})
		al.reply(ctx, msg, replyRateLimited)
		return
	}

	model, query := ParseModelOverride(content, al.defaultModel)
	if query == "" {
		return
	}

	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s",
		msg.Channel, msg.SenderID, utils.Truncate(query, 80)),
		map[string]any{
			"channel":     msg.Channel,
			"chat_id":     msg.ChatID,
			"sender_id":   msg.SenderID,
			"session_key": msg.SessionKey,
			"model":       model,
		})

	stopTyping := al.typer.StartTyping(ctx, msg.Channel, msg.ChatID)
	result, err := al.process(ctx, msg.SessionKey, senderLabel(msg), query, model)
	stopTyping()

	if err != nil {
		errText := al.redactor.Redact(err.Error())
		logger.ErrorCF("agent", "Query failed", map[string]any{
			"channel":   msg.Channel,
			"chat_id":   msg.ChatID,
			"sender_id": msg.SenderID,
			"model":     model,
			"error":     errText,
		})
		al.reply(ctx, msg, "Error processing your request: "+errText)
		return
	}

	logger.InfoCF("agent", "Query answered", map[string]any{
		"chat_id":     msg.ChatID,
		"model":       model,
		"tool_calls":  len(result.ToolCalls),
		"content_len": len(result.Content),
	})
	al.reply(ctx, msg, result.Content)
}

// ProcessDirect answers content outside any chat transport, in the
// conversation named by sessionKey. A !model= marker is honored.
func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (*Result, error) {
	model, query := ParseModelOverride(content, al.defaultModel)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	return al.process(ctx, sessionKey, directSenderLabel, query, model)
}

// process runs one full turn under the session lock: the user turn is
// recorded and trimmed, the model is queried, and the reply (or the error
// marker) is recorded.
func (al *AgentLoop) process(ctx context.Context, sessionKey, label, query, model string) (*Result, error) {
	unlock := al.sessions.Lock(sessionKey)
	defer unlock()

	conv := al.sessions.GetOrCreate(sessionKey)
	conv.AppendUser(label, query)
	if evicted := conv.Trim(); evicted > 0 {
		logger.DebugCF("agent", "Context trimmed", map[string]any{
			"session_key": sessionKey,
			"evicted":     evicted,
			"size":        conv.Size(),
		})
	}

	result, err := al.orchestrator.Run(ctx, conv.Snapshot(), model, al.toolsEnabled)
	if err != nil {
		conv.AppendError()
		return nil, err
	}
	conv.AppendAssistant(result.Content)
	return result, nil
}

func (al *AgentLoop) reply(ctx context.Context, msg bus.InboundMessage, content string) {
	for _, chunk := range ChunkMessage(content) {
		err := al.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: chunk,
			ReplyTo: msg.MessageID,
		})
		if err != nil {
			logger.ErrorCF("agent", "Failed to publish reply", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
			return
		}
	}
}

func senderLabel(msg bus.InboundMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	if msg.SenderID != "" {
		return msg.SenderID
	}
	return directSenderLabel
}
