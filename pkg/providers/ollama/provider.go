// Package ollama implements the model backend on top of Ollama's native
// chat API, which is the only backend here that accepts a per-request
// context length (num_ctx).
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers/protocoltypes"
)

type (
	ToolCall       = protocoltypes.ToolCall
	LLMResponse    = protocoltypes.LLMResponse
	UsageInfo      = protocoltypes.UsageInfo
	Message        = protocoltypes.Message
	ToolDefinition = protocoltypes.ToolDefinition
)

const (
	backendName           = "ollama"
	defaultBaseURL        = "http://localhost:11434"
	defaultModel          = "llama3.1:8b"
	defaultRequestTimeout = 15 * time.Second
)

type Provider struct {
	client        *api.Client
	baseURL       string
	defaultModel  string
	contextLength int
	httpClient    *http.Client
}

type Option func(*Provider)

func WithRequestTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		if timeout > 0 {
			p.httpClient.Timeout = timeout
		}
	}
}

// WithContextLength forwards n as num_ctx on every request.
func WithContextLength(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.contextLength = n
		}
	}
}

func WithDefaultModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

func NewProvider(baseURL string, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	parsedURL, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL: %w", err)
	}

	p := &Provider{
		baseURL:      parsedURL.String(),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.client = api.NewClient(parsedURL, p.httpClient)
	return p, nil
}

func (p *Provider) GetDefaultModel() string {
	return p.defaultModel
}

func (p *Provider) ContextLength() int {
	return p.contextLength
}

func (p *Provider) Chat(
	ctx context.Context,
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]any,
) (*LLMResponse, error) {
	if strings.TrimSpace(model) == "" {
		model = p.defaultModel
	}

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: buildMessages(messages),
		Stream:   &stream,
		Options:  p.buildOptions(options),
	}
	if len(tools) > 0 {
		req.Tools = buildTools(tools)
	}

	var (
		final    api.ChatResponse
		received bool
	)
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		final.Message.Content += resp.Message.Content
		final.Message.ToolCalls = append(final.Message.ToolCalls, resp.Message.ToolCalls...)
		if resp.Done {
			final.DoneReason = resp.DoneReason
			final.Metrics = resp.Metrics
		}
		received = true
		return nil
	})
	if err != nil {
		return nil, wrapError(err)
	}
	if !received {
		return nil, fmt.Errorf("%s: %w", backendName, protocoltypes.ErrNoChoices)
	}

	return &LLMResponse{
		Content:      final.Message.Content,
		ToolCalls:    parseToolCalls(final.Message.ToolCalls),
		FinishReason: finishReason(final),
		Usage:        mapUsage(final.Metrics),
	}, nil
}

// VerifyContextLength makes sure model exists, that its declared maximum
// context (when the backend reports one) covers the configured length, and
// that a one-token chat with num_ctx set succeeds. Any failure wraps
// ErrContextLengthRejected.
func (p *Provider) VerifyContextLength(ctx context.Context, model string) error {
	if p.contextLength <= 0 {
		return nil
	}
	if strings.TrimSpace(model) == "" {
		model = p.defaultModel
	}

	show, err := p.client.Show(ctx, &api.ShowRequest{Model: model})
	if err != nil {
		return fmt.Errorf("%w: model %q: %w", protocoltypes.ErrContextLengthRejected, model, wrapError(err))
	}
	if maxCtx, ok := modelContextLength(show.ModelInfo); ok && p.contextLength > maxCtx {
		return fmt.Errorf("%w: model %q supports at most %d tokens, requested %d",
			protocoltypes.ErrContextLengthRejected, model, maxCtx, p.contextLength)
	}

	_, err = p.Chat(ctx, []Message{{Role: protocoltypes.RoleUser, Content: "ping"}}, nil, model,
		map[string]any{"num_predict": 1})
	if err != nil {
		return fmt.Errorf("%w: model %q: %w", protocoltypes.ErrContextLengthRejected, model, err)
	}

	logger.InfoCF("provider", "Context length verified", map[string]any{
		"backend":        backendName,
		"model":          model,
		"context_length": p.contextLength,
	})
	return nil
}

// modelContextLength finds "<arch>.context_length" in the model info map.
func modelContextLength(info map[string]any) (int, bool) {
	for key, value := range info {
		if !strings.HasSuffix(key, ".context_length") {
			continue
		}
		switch v := value.(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case int64:
			return int(v), true
		}
	}
	return 0, false
}

func (p *Provider) buildOptions(options map[string]any) map[string]any {
	out := make(map[string]any, len(options)+1)
	for k, v := range options {
		switch k {
		case "max_tokens":
			out["num_predict"] = v
		default:
			out[k] = v
		}
	}
	if p.contextLength > 0 {
		out["num_ctx"] = p.contextLength
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func buildMessages(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		m := api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == protocoltypes.RoleTool {
			m.ToolName = msg.ToolName
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, api.ToolCall{
				Function: api.ToolCallFunction{
					Name:      tc.Name,
					Arguments: api.ToolCallFunctionArguments(tc.Arguments),
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func buildTools(tools []ToolDefinition) []api.Tool {
	out := make([]api.Tool, 0, len(tools))
	for _, def := range tools {
		if def.Function.Name == "" {
			continue
		}
		tool := api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Function.Name,
				Description: def.Function.Description,
			},
		}
		// The parameter schema is plain JSON schema on both sides.
		if data, err := json.Marshal(def.Function.Parameters); err == nil {
			if err := json.Unmarshal(data, &tool.Function.Parameters); err != nil {
				logger.WarnCF("provider", "Failed to convert tool schema", map[string]any{
					"tool":  def.Function.Name,
					"error": err.Error(),
				})
			}
		}
		out = append(out, tool)
	}
	return out
}

// parseToolCalls assigns identifiers, which Ollama does not return, so that
// tool results can still be correlated with their call.
func parseToolCalls(calls []api.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		args := map[string]any(call.Function.Arguments)
		if args == nil {
			args = map[string]any{}
		}
		result = append(result, ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return result
}

func finishReason(resp api.ChatResponse) string {
	if len(resp.Message.ToolCalls) > 0 {
		return "tool_calls"
	}
	if resp.DoneReason != "" {
		return resp.DoneReason
	}
	return "stop"
}

func mapUsage(m api.Metrics) *UsageInfo {
	if m.PromptEvalCount == 0 && m.EvalCount == 0 {
		return nil
	}
	return &UsageInfo{
		PromptTokens:     m.PromptEvalCount,
		CompletionTokens: m.EvalCount,
		TotalTokens:      m.PromptEvalCount + m.EvalCount,
	}
}

func wrapError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		return &protocoltypes.BackendError{
			Backend:    backendName,
			StatusCode: statusErr.StatusCode,
			Err:        errors.New(msg),
		}
	}
	return &protocoltypes.BackendError{Backend: backendName, Err: err}
}
