package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers"
	"github.com/sipeed/llmbot/pkg/ratelimit"
)

type ToolRegistry struct {
	tools   map[string]Tool
	mu      sync.RWMutex
	limiter *ratelimit.Limiter
}

type RegistryOption func(*ToolRegistry)

// WithRateLimiter throttles executions per tool name.
func WithRateLimiter(l *ratelimit.Limiter) RegistryOption {
	return func(r *ToolRegistry) {
		r.limiter = l
	}
}

func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools: make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tool. The first registration of a name wins; later ones are
// rejected with ErrDuplicateTool.
func (r *ToolRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = tool
	return nil
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute runs the named tool. It never fails: unknown tools, rate limits,
// errors and panics all come back as error results.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) *ToolResult {
	logger.InfoCF("tool", "Tool execution started",
		map[string]any{
			"tool": name,
			"args": args,
		})

	tool, ok := r.Get(name)
	if !ok {
		logger.ErrorCF("tool", "Tool not found",
			map[string]any{
				"tool": name,
			})
		return ErrorResult("Unknown tool: " + name)
	}

	if !r.limiter.AllowToolExecution(name) {
		logger.WarnCF("tool", "Tool rate limited",
			map[string]any{
				"tool": name,
			})
		return ErrorResult("Rate limit exceeded for tool " + name)
	}

	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	result := r.run(ctx, tool, args)
	duration := time.Since(start)

	if result.IsError && result.ForLLM == "" {
		err := result.Err
		if err == nil {
			err = fmt.Errorf("unknown error")
		}
		result.ForLLM = fmt.Sprintf("Error calling tool %s: %v", name, err)
	}

	if result.IsError {
		fields := map[string]any{
			"tool":        name,
			"duration_ms": duration.Milliseconds(),
			"result":      result.ForLLM,
		}
		if result.Err != nil {
			fields["error"] = result.Err.Error()
		}
		logger.ErrorCF("tool", "Tool execution failed", fields)
	} else {
		logger.InfoCF("tool", "Tool execution completed",
			map[string]any{
				"tool":          name,
				"duration_ms":   duration.Milliseconds(),
				"result_length": len(result.ForLLM),
			})
	}

	return result
}

func (r *ToolRegistry) run(ctx context.Context, tool Tool, args map[string]any) (result *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = FailedResult(fmt.Errorf("panic: %v", rec))
		}
	}()

	result = tool.Execute(ctx, args)
	if result == nil {
		result = FailedResult(fmt.Errorf("tool returned no result"))
	}
	return result
}

// sortedToolNames returns tool names in sorted order so declarations are
// identical from one request to the next.
func (r *ToolRegistry) sortedToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool declarations ordered by name.
func (r *ToolRegistry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := r.sortedToolNames()
	definitions := make([]providers.ToolDefinition, 0, len(sorted))
	for _, name := range sorted {
		definitions = append(definitions, ToolToDefinition(r.tools[name]))
	}
	return definitions
}

// List returns a list of all registered tool names.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedToolNames()
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// GetSummaries returns "name - description" lines for every tool.
func (r *ToolRegistry) GetSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := r.sortedToolNames()
	summaries := make([]string, 0, len(sorted))
	for _, name := range sorted {
		tool := r.tools[name]
		summaries = append(summaries, fmt.Sprintf("- `%s` - %s", tool.Name(), tool.Description()))
	}
	return summaries
}
