package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers"
	"github.com/sipeed/llmbot/pkg/tools"
	"github.com/sipeed/llmbot/pkg/utils"
)

// NoResponseText is the reply used when the model answers with no content.
const NoResponseText = "No response received from the model."

// ToolExecutor runs tools on behalf of the model. *tools.ToolRegistry
// satisfies it.
type ToolExecutor interface {
	Definitions() []providers.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) *tools.ToolResult
}

// ToolInvocation records one tool call made while answering a query.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    string
	IsError   bool
	Duration  time.Duration
}

// Result is the outcome of one orchestrated query.
type Result struct {
	Content   string
	ToolCalls []ToolInvocation
	Usage     providers.UsageInfo
}

type Orchestrator struct {
	provider providers.LLMProvider
	tools    ToolExecutor
	options  map[string]any
	timeout  time.Duration
}

type OrchestratorOption func(*Orchestrator)

// WithModelOptions sets the per-request options passed to every Chat call.
func WithModelOptions(options map[string]any) OrchestratorOption {
	return func(o *Orchestrator) {
		o.options = options
	}
}

// WithCallTimeout bounds each model call. Zero leaves only the provider's own
// HTTP timeout in place.
func WithCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

func NewOrchestrator(provider providers.LLMProvider, executor ToolExecutor, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{provider: provider, tools: executor}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run answers the conversation in messages. With tools enabled it allows one
// round of tool calls: the requested tools run in order, their results are
// appended, and the model is asked once more without tool declarations.
// Messages is never modified. Only model failures are returned as errors;
// tool failures reach the model as text.
func (o *Orchestrator) Run(ctx context.Context, messages []providers.Message, model string, toolsEnabled bool) (*Result, error) {
	var defs []providers.ToolDefinition
	if toolsEnabled && o.tools != nil {
		defs = o.tools.Definitions()
	}

	result := &Result{}

	resp, err := o.complete(ctx, messages, defs, model, result)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	if len(defs) == 0 || len(resp.ToolCalls) == 0 {
		result.Content = finalContent(resp.Content)
		return result, nil
	}

	logger.DebugCF("agent", "Model requested tools", map[string]any{
		"model": model,
		"count": len(resp.ToolCalls),
	})

	working := make([]providers.Message, 0, len(messages)+1+len(resp.ToolCalls))
	working = append(working, messages...)
	working = append(working, providers.Message{
		Role:      providers.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	for _, tc := range resp.ToolCalls {
		inv := o.invoke(ctx, tc)
		result.ToolCalls = append(result.ToolCalls, inv)
		working = append(working, providers.Message{
			Role:       providers.RoleTool,
			Content:    inv.Result,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
		})
	}

	followUp, err := o.complete(ctx, working, nil, model, result)
	if err != nil {
		return nil, fmt.Errorf("model follow-up request failed: %w", err)
	}
	result.Content = finalContent(followUp.Content)
	return result, nil
}

func (o *Orchestrator) complete(
	ctx context.Context,
	messages []providers.Message,
	defs []providers.ToolDefinition,
	model string,
	result *Result,
) (*providers.LLMResponse, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	resp, err := o.provider.Chat(ctx, messages, defs, model, o.options)
	if err != nil {
		return nil, err
	}
	if resp.Usage != nil {
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens
	}
	return resp, nil
}

func (o *Orchestrator) invoke(ctx context.Context, tc providers.ToolCall) ToolInvocation {
	argsJSON, _ := json.Marshal(tc.Arguments)
	logger.InfoCF("agent", fmt.Sprintf("Tool call: %s(%s)", tc.Name, utils.Truncate(string(argsJSON), 200)),
		map[string]any{
			"tool":    tc.Name,
			"call_id": tc.ID,
		})

	start := time.Now()
	var res *tools.ToolResult
	if o.tools != nil {
		res = o.tools.Execute(ctx, tc.Name, tc.Arguments)
	}
	if res == nil {
		res = tools.ErrorResult("Unknown tool: " + tc.Name)
	}

	return ToolInvocation{
		ID:        tc.ID,
		Name:      tc.Name,
		Arguments: tc.Arguments,
		Result:    res.ForLLM,
		IsError:   res.IsError,
		Duration:  time.Since(start),
	}
}

func finalContent(content string) string {
	if content == "" {
		return NoResponseText
	}
	return content
}
