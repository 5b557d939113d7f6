package providers

import (
	"fmt"
	"strings"

	"github.com/sipeed/llmbot/pkg/config"
	anthropicprovider "github.com/sipeed/llmbot/pkg/providers/anthropic"
	"github.com/sipeed/llmbot/pkg/providers/ollama"
	"github.com/sipeed/llmbot/pkg/providers/openai_sdk"
)

// CreateProvider builds the backend selected by cfg.Backend.Kind.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	b := cfg.Backend
	timeout := cfg.RequestTimeout()
	serverURL := strings.TrimRight(strings.TrimSpace(b.ServerURL), "/")

	switch b.Kind {
	case config.BackendOpenWebUI, "":
		if serverURL == "" {
			return nil, config.ErrMissingServerURL
		}
		// OpenWebUI serves its OpenAI-compatible routes under /api.
		return openai_sdk.NewProvider(b.APIKey, serverURL+"/api",
			openai_sdk.WithBackendName(config.BackendOpenWebUI),
			openai_sdk.WithDefaultModel(b.Model),
			openai_sdk.WithRequestTimeout(timeout),
		), nil

	case config.BackendOpenAI:
		if serverURL == "" {
			return nil, config.ErrMissingServerURL
		}
		return openai_sdk.NewProvider(b.APIKey, serverURL,
			openai_sdk.WithBackendName(config.BackendOpenAI),
			openai_sdk.WithDefaultModel(b.Model),
			openai_sdk.WithRequestTimeout(timeout),
		), nil

	case config.BackendOllama:
		p, err := ollama.NewProvider(serverURL,
			ollama.WithDefaultModel(b.Model),
			ollama.WithContextLength(b.ContextLength),
			ollama.WithRequestTimeout(timeout),
		)
		if err != nil {
			return nil, err
		}
		return p, nil

	case config.BackendAnthropic:
		return anthropicprovider.NewProvider(b.APIKey, serverURL,
			anthropicprovider.WithDefaultModel(b.Model),
			anthropicprovider.WithRequestTimeout(timeout),
		), nil
	}

	return nil, fmt.Errorf("unsupported backend kind %q", b.Kind)
}

// DefaultOptions returns the per-request options derived from cfg.
func DefaultOptions(cfg *config.Config) map[string]any {
	if cfg == nil || cfg.Backend.MaxTokens <= 0 {
		return nil
	}
	return map[string]any{"max_tokens": cfg.Backend.MaxTokens}
}
