package providers

import (
	"context"

	"github.com/sipeed/llmbot/pkg/providers/protocoltypes"
)

type (
	ToolCall               = protocoltypes.ToolCall
	LLMResponse            = protocoltypes.LLMResponse
	UsageInfo              = protocoltypes.UsageInfo
	Message                = protocoltypes.Message
	ToolDefinition         = protocoltypes.ToolDefinition
	ToolFunctionDefinition = protocoltypes.ToolFunctionDefinition
	BackendError           = protocoltypes.BackendError
)

const (
	RoleSystem    = protocoltypes.RoleSystem
	RoleUser      = protocoltypes.RoleUser
	RoleAssistant = protocoltypes.RoleAssistant
	RoleTool      = protocoltypes.RoleTool
)

var (
	ErrNoChoices             = protocoltypes.ErrNoChoices
	ErrContextLengthRejected = protocoltypes.ErrContextLengthRejected
)

// LLMProvider sends one completion request. A nil error always comes with a
// non-nil response; every backend failure is reported as an error.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*LLMResponse, error)
	GetDefaultModel() string
}

// ContextVerifier is implemented by backends that accept a context-length
// option and can confirm once, at startup, that the model honors it.
type ContextVerifier interface {
	VerifyContextLength(ctx context.Context, model string) error
}
