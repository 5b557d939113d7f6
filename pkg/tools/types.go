package tools

import (
	"context"
	"errors"

	"github.com/sipeed/llmbot/pkg/providers"
)

// ErrDuplicateTool is returned by Register when the name is already taken.
var ErrDuplicateTool = errors.New("tool already registered")

// Tool is a callable the model can request by name.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ToolResult is the outcome of one tool call. ForLLM is always what the model
// sees; Err is kept for logging only.
type ToolResult struct {
	ForLLM  string
	IsError bool
	Err     error
}

func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

// ErrorResult is a failure whose text is already worded for the model.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

// FailedResult is a failure the registry words as
// "Error calling tool <name>: <err>".
func FailedResult(err error) *ToolResult {
	return &ToolResult{IsError: true, Err: err}
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

// ToolToDefinition converts a tool into the declaration sent to the backend.
func ToolToDefinition(tool Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		},
	}
}
