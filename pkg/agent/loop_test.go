package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/providers"
	"github.com/sipeed/llmbot/pkg/ratelimit"
	"github.com/sipeed/llmbot/pkg/session"
	"github.com/sipeed/llmbot/pkg/tools"
)

type fakeTyper struct {
	mu      sync.Mutex
	started []string
	stopped int
}

func (f *fakeTyper) StartTyping(_ context.Context, channel, chatID string) func() {
	f.mu.Lock()
	f.started = append(f.started, channel+":"+chatID)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
	}
}

func (f *fakeTyper) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started), f.stopped
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backend.Model = "default-model"
	cfg.Context.SystemPrompt = "You are a test bot."
	return cfg
}

type loopHarness struct {
	loop   *AgentLoop
	bus    *bus.MessageBus
	typer  *fakeTyper
	cancel context.CancelFunc
	done   chan error
}

func startLoop(t *testing.T, cfg *config.Config, provider providers.LLMProvider, registry *tools.ToolRegistry, opts ...LoopOption) *loopHarness {
	t.Helper()
	msgBus := bus.NewMessageBus()
	typer := &fakeTyper{}
	opts = append([]LoopOption{WithTyper(typer)}, opts...)

	loop, err := NewAgentLoop(cfg, msgBus, provider, registry, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHarness{loop: loop, bus: msgBus, typer: typer, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("agent loop did not stop")
		}
		msgBus.Close()
	})
	return h
}

func (h *loopHarness) send(t *testing.T, msg bus.InboundMessage) {
	t.Helper()
	if msg.Channel == "" {
		msg.Channel = "discord"
	}
	if msg.SessionKey == "" {
		msg.SessionKey = msg.Channel + ":" + msg.ChatID
	}
	require.NoError(t, h.bus.PublishInbound(context.Background(), msg))
}

func (h *loopHarness) next(t *testing.T) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := h.bus.SubscribeOutbound(ctx)
	require.True(t, ok, "expected a reply")
	return msg
}

func (h *loopHarness) expectSilence(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	msg, ok := h.bus.SubscribeOutbound(ctx)
	assert.False(t, ok, "unexpected reply %q", msg.Content)
}

func dm(chatID, sender, content string) bus.InboundMessage {
	return bus.InboundMessage{
		SenderID:   sender + "-id",
		SenderName: sender,
		ChatID:     chatID,
		MessageID:  "msg-" + content,
		Content:    content,
		IsDM:       true,
	}
}

func TestAgentLoop_DirectMessageWithToolCall(t *testing.T) {
	provider := &mockProvider{responses: []providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "call_1", Name: "add_numbers", Arguments: map[string]any{"a": 2, "b": 2}},
		}},
		{Content: "2 + 2 is 4."},
	}}
	reg := tools.NewToolRegistry()
	require.NoError(t, reg.Register(tools.NewAddTool()))

	h := startLoop(t, testConfig(), provider, reg)
	h.send(t, dm("dm-1", "alice", "What is 2+2?"))

	reply := h.next(t)
	assert.Equal(t, "2 + 2 is 4.", reply.Content)
	assert.Equal(t, "discord", reply.Channel)
	assert.Equal(t, "dm-1", reply.ChatID)
	assert.Equal(t, "msg-What is 2+2?", reply.ReplyTo)

	calls := provider.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "default-model", calls[0].model)
	assert.Equal(t, []providers.Message{
		{Role: providers.RoleSystem, Content: "You are a test bot."},
		{Role: providers.RoleUser, Content: "alice: What is 2+2?"},
	}, calls[0].messages)
	toolMsg := calls[1].messages[len(calls[1].messages)-1]
	assert.Equal(t, "4", toolMsg.Content)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)

	history := h.loop.Sessions().GetOrCreate("discord:dm-1").Snapshot()
	require.Len(t, history, 3)
	assert.Equal(t, "2 + 2 is 4.", history[2].Content)

	started, stopped := h.typer.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestAgentLoop_ProcessDirectToolLog(t *testing.T) {
	provider := &mockProvider{responses: []providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "call_1", Name: "add_numbers", Arguments: map[string]any{"a": "2", "b": "2"}},
		}},
		{Content: "The answer is 4."},
	}}
	reg := tools.NewToolRegistry()
	require.NoError(t, reg.Register(tools.NewAddTool()))

	loop, err := NewAgentLoop(testConfig(), bus.NewMessageBus(), provider, reg)
	require.NoError(t, err)

	result, err := loop.ProcessDirect(context.Background(), "What is 2+2?", "cli:direct")
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4.", result.Content)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "add_numbers", result.ToolCalls[0].Name)
	assert.Equal(t, "4", result.ToolCalls[0].Result)
	assert.False(t, result.ToolCalls[0].IsError)

	_, err = loop.ProcessDirect(context.Background(), "  !model=x  ", "cli:direct")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestAgentLoop_ToolsDisabledByConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.Enabled = false
	provider := &mockProvider{}
	reg := tools.NewToolRegistry()
	require.NoError(t, reg.Register(tools.NewAddTool()))

	loop, err := NewAgentLoop(cfg, bus.NewMessageBus(), provider, reg)
	require.NoError(t, err)
	assert.False(t, loop.ToolsEnabled())

	_, err = loop.ProcessDirect(context.Background(), "hi", "k")
	require.NoError(t, err)
	assert.Nil(t, provider.recorded()[0].tools)
}

func TestAgentLoop_GuildGatingAndModelOverride(t *testing.T) {
	provider := &mockProvider{responses: []providers.LLMResponse{{Content: "hello from x"}}}
	h := startLoop(t, testConfig(), provider, nil)

	h.send(t, bus.InboundMessage{SenderID: "u1", SenderName: "bob", ChatID: "c-1", Content: "just chatting", BotID: "42"})
	h.expectSilence(t)

	h.send(t, bus.InboundMessage{
		SenderID:   "u1",
		SenderName: "bob",
		ChatID:     "c-1",
		MessageID:  "m-9",
		Content:    "<@42> !model=model-x   tell me a joke",
		Mentioned:  true,
		BotID:      "42",
	})
	reply := h.next(t)
	assert.Equal(t, "hello from x", reply.Content)
	assert.Equal(t, "m-9", reply.ReplyTo)

	calls := provider.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "model-x", calls[0].model)
	assert.Equal(t, "bob: tell me a joke", calls[0].messages[len(calls[0].messages)-1].Content)
}

func TestAgentLoop_BackendFailureRecordsMarker(t *testing.T) {
	provider := &mockProvider{errs: []error{&providers.BackendError{Backend: "openwebui", Err: errors.New("connection refused")}}}
	h := startLoop(t, testConfig(), provider, nil)

	h.send(t, dm("dm-2", "carol", "are you there?"))
	reply := h.next(t)
	assert.True(t, strings.HasPrefix(reply.Content, "Error processing your request: "), reply.Content)
	assert.Contains(t, reply.Content, "connection refused")

	history := h.loop.Sessions().GetOrCreate("discord:dm-2").Snapshot()
	require.Len(t, history, 3)
	assert.Equal(t, "carol: are you there?", history[1].Content)
	assert.Equal(t, providers.RoleAssistant, history[2].Role)
	assert.Equal(t, session.ErrorMarker, history[2].Content)
}

func TestAgentLoop_Commands(t *testing.T) {
	provider := &mockProvider{responses: []providers.LLMResponse{{Content: "ok"}}}
	h := startLoop(t, testConfig(), provider, nil)

	h.send(t, dm("dm-3", "dave", "hello"))
	assert.Equal(t, "ok", h.next(t).Content)

	h.send(t, dm("dm-3", "dave", "!context"))
	assert.Equal(t, "Context: 2/10 messages", h.next(t).Content)

	h.send(t, dm("dm-3", "dave", "!help"))
	help := h.next(t).Content
	assert.Contains(t, help, "!clear")
	assert.Contains(t, help, "!model=")
	assert.Contains(t, help, "default-model")

	h.send(t, dm("dm-3", "dave", "!clear"))
	assert.Equal(t, "Context cleared.", h.next(t).Content)
	assert.Equal(t, 0, h.loop.Sessions().GetOrCreate("discord:dm-3").Size())

	assert.Len(t, provider.recorded(), 1, "commands must not reach the model")
}

func TestAgentLoop_ContextCommandTokenPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.ContextLength = 1000
	cfg.Context.TrimThreshold = 0.5

	words := session.TokenCounterFunc(func(s string) int { return len(strings.Fields(s)) })
	loop, err := NewAgentLoop(cfg, bus.NewMessageBus(), &mockProvider{}, nil, WithSessionOptions(session.WithTokenCounter(words)))
	require.NoError(t, err)

	reply, handled := loop.handleCommand("k", "!context")
	require.True(t, handled)
	assert.Equal(t, "Context: 0 messages, ~9/500 tokens", reply)
}

func TestAgentLoop_UnknownCommandIsAQuery(t *testing.T) {
	loop, err := NewAgentLoop(testConfig(), bus.NewMessageBus(), &mockProvider{}, nil)
	require.NoError(t, err)

	_, handled := loop.handleCommand("k", "!model=x hi")
	assert.False(t, handled)
	_, handled = loop.handleCommand("k", "!nope")
	assert.False(t, handled)
	_, handled = loop.handleCommand("k", "clear")
	assert.False(t, handled)
}

func TestAgentLoop_SenderRateLimit(t *testing.T) {
	provider := &mockProvider{responses: []providers.LLMResponse{{Content: "first"}}}
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1})
	h := startLoop(t, testConfig(), provider, nil, WithRequestLimiter(limiter))

	h.send(t, dm("dm-4", "erin", "one"))
	assert.Equal(t, "first", h.next(t).Content)

	h.send(t, dm("dm-4", "erin", "two"))
	assert.Equal(t, replyRateLimited, h.next(t).Content)
	assert.Len(t, provider.recorded(), 1)
}

func TestAgentLoop_LongReplyIsChunked(t *testing.T) {
	long := strings.Repeat("a", MaxReplyLength) + "tail"
	provider := &mockProvider{responses: []providers.LLMResponse{{Content: long}}}
	h := startLoop(t, testConfig(), provider, nil)

	h.send(t, dm("dm-5", "frank", "write a lot"))
	first := h.next(t)
	second := h.next(t)
	assert.Equal(t, strings.Repeat("a", MaxReplyLength), first.Content)
	assert.Equal(t, "tail", second.Content)
	assert.Equal(t, first.ReplyTo, second.ReplyTo)
}

func TestAgentLoop_RepliesInOrderPerChannel(t *testing.T) {
	provider := &mockProvider{responses: []providers.LLMResponse{
		{Content: "reply 1"},
		{Content: "reply 2"},
		{Content: "reply 3"},
	}}
	h := startLoop(t, testConfig(), provider, nil)

	for _, q := range []string{"q1", "q2", "q3"} {
		h.send(t, dm("dm-6", "gina", q))
	}
	assert.Equal(t, "reply 1", h.next(t).Content)
	assert.Equal(t, "reply 2", h.next(t).Content)
	assert.Equal(t, "reply 3", h.next(t).Content)

	history := h.loop.Sessions().GetOrCreate("discord:dm-6").Snapshot()
	require.Len(t, history, 7)
	assert.Equal(t, "gina: q1", history[1].Content)
	assert.Equal(t, "gina: q3", history[5].Content)
}

func TestAgentLoop_AssistantPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.Context.AssistantPrefix = "I said: "
	loop, err := NewAgentLoop(cfg, bus.NewMessageBus(), &mockProvider{}, nil)
	require.NoError(t, err)

	_, err = loop.ProcessDirect(context.Background(), "hi", "k")
	require.NoError(t, err)
	history := loop.Sessions().GetOrCreate("k").Snapshot()
	assert.Equal(t, "I said: Mock response", history[len(history)-1].Content)
}

func TestAgentLoop_RunTwiceConcurrently(t *testing.T) {
	h := startLoop(t, testConfig(), &mockProvider{}, nil)
	assert.Eventually(t, h.loop.IsRunning, time.Second, 5*time.Millisecond)
	assert.Error(t, h.loop.Run(context.Background()))
}

func TestNewAgentLoop_MissingPromptFile(t *testing.T) {
	cfg := testConfig()
	cfg.Context.SystemPromptFile = t.TempDir() + "/missing.txt"
	_, err := NewAgentLoop(cfg, bus.NewMessageBus(), &mockProvider{}, nil)
	assert.Error(t, err)
}

func TestAgentLoop_ErrorReplyMasksCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.APIKey = "owui-test-credential"
	provider := &mockProvider{errs: []error{errors.New("401 for key owui-test-credential")}}
	h := startLoop(t, cfg, provider, nil)

	h.send(t, dm("dm-7", "hank", "hi"))
	reply := h.next(t)
	assert.Equal(t, "Error processing your request: model request failed: 401 for key [REDACTED]", reply.Content)
}

// gatedProvider holds every query containing "slow" until release is closed.
type gatedProvider struct {
	release chan struct{}
}

func (p *gatedProvider) Chat(ctx context.Context, messages []providers.Message, _ []providers.ToolDefinition, _ string, _ map[string]any) (*providers.LLMResponse, error) {
	last := messages[len(messages)-1].Content
	if strings.Contains(last, "slow") {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &providers.LLMResponse{Content: "answered " + last}, nil
}

func (p *gatedProvider) GetDefaultModel() string { return "gated-model" }

func withWorkerIdleTimeout(d time.Duration) LoopOption {
	return func(o *loopOptions) {
		o.workerIdle = d
	}
}

func (al *AgentLoop) workerCount() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.workers)
}

func TestAgentLoop_BusyChannelDoesNotBlockOthers(t *testing.T) {
	provider := &gatedProvider{release: make(chan struct{})}
	h := startLoop(t, testConfig(), provider, nil)
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(provider.release) }) }
	t.Cleanup(release)

	for i := range 40 {
		h.send(t, dm("dm-busy", "ivan", fmt.Sprintf("slow %d", i)))
	}
	h.send(t, dm("dm-free", "judy", "quick"))

	reply := h.next(t)
	assert.Equal(t, "dm-free", reply.ChatID)
	assert.Equal(t, "answered judy: quick", reply.Content)

	release()
	first := h.next(t)
	assert.Equal(t, "dm-busy", first.ChatID)
	assert.Equal(t, "answered ivan: slow 0", first.Content)
	second := h.next(t)
	assert.Equal(t, "answered ivan: slow 1", second.Content)
}

func TestAgentLoop_IdleWorkerExits(t *testing.T) {
	provider := &mockProvider{}
	h := startLoop(t, testConfig(), provider, nil, withWorkerIdleTimeout(20*time.Millisecond))

	h.send(t, dm("dm-idle", "kate", "hello"))
	assert.Equal(t, "Mock response", h.next(t).Content)
	assert.Eventually(t, func() bool { return h.loop.workerCount() == 0 }, time.Second, 5*time.Millisecond)

	h.send(t, dm("dm-idle", "kate", "again"))
	assert.Equal(t, "Mock response", h.next(t).Content)

	history := h.loop.Sessions().GetOrCreate("discord:dm-idle").Snapshot()
	assert.Len(t, history, 5, "conversation survives the worker restart")
}
