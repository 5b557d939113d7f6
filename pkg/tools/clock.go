package tools

import (
	"context"
	"time"
)

const currentTimeLayout = "2006-01-02 15:04:05 UTC"

type CurrentTimeTool struct {
	now func() time.Time
}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string {
	return "get_current_time"
}

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time"
}

func (t *CurrentTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

func (t *CurrentTimeTool) Execute(_ context.Context, _ map[string]any) *ToolResult {
	return NewToolResult(t.now().UTC().Format(currentTimeLayout))
}
