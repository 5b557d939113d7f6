package anthropicprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers/protocoltypes"
)

type (
	ToolCall               = protocoltypes.ToolCall
	LLMResponse            = protocoltypes.LLMResponse
	UsageInfo              = protocoltypes.UsageInfo
	Message                = protocoltypes.Message
	ToolDefinition         = protocoltypes.ToolDefinition
	ToolFunctionDefinition = protocoltypes.ToolFunctionDefinition
)

const (
	backendName           = "anthropic"
	defaultBaseURL        = "https://api.anthropic.com"
	defaultModel          = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
	defaultRequestTimeout = 15 * time.Second
)

type Provider struct {
	client       *anthropic.Client
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

type Option func(*Provider)

func WithRequestTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		if timeout > 0 {
			p.httpClient.Timeout = timeout
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

func NewProvider(apiKey, apiBase string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:      normalizeBaseURL(apiBase),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(0),
	)
	p.client = &client
	return p
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

	resp, err := p.client.Messages.New(ctx, buildParams(messages, tools, model, options))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &protocoltypes.BackendError{
				Backend:    backendName,
				StatusCode: apiErr.StatusCode,
				Err:        errors.New(strings.TrimSpace(apiErr.Error())),
			}
		}
		return nil, &protocoltypes.BackendError{Backend: backendName, Err: err}
	}
	if resp == nil || len(resp.Content) == 0 {
		return nil, fmt.Errorf("%s: %w", backendName, protocoltypes.ErrNoChoices)
	}

	return parseResponse(resp), nil
}

func (p *Provider) GetDefaultModel() string {
	return p.defaultModel
}

func (p *Provider) BaseURL() string {
	return p.baseURL
}

func buildParams(
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]any,
) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam

	// All tool_result blocks answering one assistant turn must arrive in a
	// single user message.
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case protocoltypes.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case protocoltypes.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
				continue
			}
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case protocoltypes.RoleTool:
			var results []anthropic.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == protocoltypes.RoleTool {
				results = append(results,
					anthropic.NewToolResultBlock(messages[i].ToolCallID, messages[i].Content, false))
				i++
			}
			i--
			out = append(out, anthropic.NewUserMessage(results...))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := int64(defaultMaxTokens)
	switch mt := options["max_tokens"].(type) {
	case int:
		if mt > 0 {
			maxTokens = int64(mt)
		}
	case float64:
		if mt > 0 {
			maxTokens = int64(mt)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  out,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = anthropic.Float(temp)
	}
	if len(tools) > 0 {
		params.Tools = translateTools(tools)
	}
	return params
}

func translateTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Function.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Function.Parameters["properties"],
			},
		}
		if desc := t.Function.Description; desc != "" {
			tool.Description = anthropic.String(desc)
		}
		switch req := t.Function.Parameters["required"].(type) {
		case []string:
			tool.InputSchema.Required = req
		case []any:
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func parseResponse(resp *anthropic.Message) *LLMResponse {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args := map[string]any{}
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &args); err != nil {
					logger.WarnCF("provider", "Failed to decode tool call input", map[string]any{
						"backend": backendName,
						"tool":    tu.Name,
						"error":   err.Error(),
					})
				}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		finishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		finishReason = "length"
	}

	return &LLMResponse{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
