package tools

import (
	"github.com/sipeed/llmbot/pkg/config"
)

// BuiltinTools returns the in-process tools configured by cfg.
func BuiltinTools(cfg config.ToolsConfig) []Tool {
	return []Tool{
		NewAddTool(),
		NewSubtractTool(),
		NewMultiplyTool(),
		NewDivideTool(),
		NewCurrentTimeTool(),
		NewMetarTool(cfg.MetarURL),
		NewCountLettersTool(),
		NewWebSearchTool(NewSearXNGSearchProvider(cfg.SearXNGURL)),
	}
}

// RegisterAll registers the built-in tools and then extra (typically MCP
// tools). Extra tools that collide with an existing name are skipped and
// reported in the returned slice.
func RegisterAll(reg *ToolRegistry, cfg config.ToolsConfig, extra []Tool) (skipped []string, err error) {
	for _, tool := range BuiltinTools(cfg) {
		if err := reg.Register(tool); err != nil {
			return nil, err
		}
	}
	for _, tool := range extra {
		if err := reg.Register(tool); err != nil {
			skipped = append(skipped, tool.Name())
		}
	}
	return skipped, nil
}
