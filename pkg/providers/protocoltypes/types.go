// Package protocoltypes holds the wire-neutral chat types shared by every
// model backend.
package protocoltypes

import (
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// ToolName names the tool a RoleTool message answers; some backends
	// correlate by name instead of by ID.
	ToolName string `json:"tool_name,omitempty"`
}

type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

type ToolFunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

var (
	// ErrNoChoices means the backend answered but the payload held no message.
	ErrNoChoices = errors.New("model backend returned no message")
	// ErrContextLengthRejected means the backend refused the configured context length.
	ErrContextLengthRejected = errors.New("model backend rejected the configured context length")
)

// BackendError wraps any failed round trip to a model backend. StatusCode is
// zero for transport failures such as timeouts or refused connections.
type BackendError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed (status=%d): %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
