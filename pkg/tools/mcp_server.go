package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const MCPServerName = "llmbot-mcp"

type addNumbersInput struct {
	A float64 `json:"a" jsonschema:"First number to add"`
	B float64 `json:"b" jsonschema:"Second number to add"`
}

// NewMCPServer returns the stdio MCP server exposing add_numbers, so the bot
// can load its own tools over MCP.
func NewMCPServer(version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: MCPServerName, Version: version}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_numbers",
		Description: "Add two numbers together",
	}, handleAddNumbers)
	return server
}

func handleAddNumbers(_ context.Context, _ *mcp.CallToolRequest, in addNumbersInput) (*mcp.CallToolResult, any, error) {
	sum := in.A + in.B
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("The sum of %s and %s is %s",
				formatNumber(in.A), formatNumber(in.B), formatFloatResult(sum))},
		},
	}, nil, nil
}

// formatFloatResult always shows a fractional part, e.g. 4.0 or 2.5.
func formatFloatResult(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
