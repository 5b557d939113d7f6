package agent

import (
	"context"
	"sync"

	"github.com/sipeed/llmbot/pkg/providers"
)

type providerCall struct {
	messages []providers.Message
	tools    []providers.ToolDefinition
	model    string
}

type mockProvider struct {
	mu            sync.Mutex
	calls         []providerCall
	responses     []providers.LLMResponse
	errs          []error
	responseIndex int
	block         chan struct{}
}

func (m *mockProvider) Chat(
	ctx context.Context,
	messages []providers.Message,
	tools []providers.ToolDefinition,
	model string,
	opts map[string]any,
) (*providers.LLMResponse, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.calls)
	m.calls = append(m.calls, providerCall{
		messages: append([]providers.Message(nil), messages...),
		tools:    tools,
		model:    model,
	})

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}

	// If responses are configured, return them in sequence
	if len(m.responses) > 0 {
		if m.responseIndex >= len(m.responses) {
			m.responseIndex = len(m.responses) - 1
		}
		resp := m.responses[m.responseIndex]
		m.responseIndex++
		return &resp, nil
	}

	return &providers.LLMResponse{Content: "Mock response"}, nil
}

func (m *mockProvider) GetDefaultModel() string {
	return "mock-model"
}

func (m *mockProvider) recorded() []providerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providerCall(nil), m.calls...)
}
