package tools

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/llmbot/pkg/config"
)

const mcpHelperEnv = "LLMBOT_MCP_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(mcpHelperEnv) == "1" {
		runMCPHelperServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runMCPHelperServer serves add_numbers plus a tool with no content and
// one that reports an error.
func runMCPHelperServer() {
	type EmptyInput struct{}

	server := NewMCPServer("test")
	mcp.AddTool(server, &mcp.Tool{Name: "nothing", Description: "returns no content"}, func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{}, nil, nil
	})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "always errors"}, func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "remote failure"}},
		}, nil, nil
	})

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		os.Exit(1)
	}
}

func helperServerConfig(prefix string) config.MCPServerConfig {
	return config.MCPServerConfig{
		Name:             "helper",
		Enabled:          true,
		Transport:        "command",
		Command:          os.Args[0],
		Env:              map[string]string{mcpHelperEnv: "1"},
		StartupTimeoutMS: 8000,
		CallTimeoutMS:    5000,
		ToolPrefix:       prefix,
	}
}

func TestLoadMCPTools_CommandTransport(t *testing.T) {
	cfg := config.MCPToolsConfig{
		Enabled: true,
		Servers: []config.MCPServerConfig{helperServerConfig("")},
	}

	loaded, err := LoadMCPTools(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)

	byName := map[string]Tool{}
	for _, tool := range loaded {
		byName[tool.Name()] = tool
	}
	require.Contains(t, byName, "mcp_helper_add_numbers", "got %v", toolNames(loaded))
	require.Contains(t, byName, "mcp_helper_nothing")
	require.Contains(t, byName, "mcp_helper_fail")

	add := byName["mcp_helper_add_numbers"]
	assert.Contains(t, add.Description(), "Add two numbers together")
	props, ok := add.Parameters()["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")

	result := add.Execute(context.Background(), map[string]any{"a": 2, "b": 2})
	require.False(t, result.IsError, result.ForLLM)
	assert.Equal(t, "The sum of 2 and 2 is 4.0", result.ForLLM)

	result = byName["mcp_helper_nothing"].Execute(context.Background(), map[string]any{})
	assert.Equal(t, "No result returned from tool", result.ForLLM)

	result = byName["mcp_helper_fail"].Execute(context.Background(), map[string]any{})
	assert.True(t, result.IsError)
	assert.Equal(t, "remote failure", result.ForLLM)
}

func TestMCPTool_ThroughRegistry(t *testing.T) {
	cfg := config.MCPToolsConfig{
		Enabled: true,
		Servers: []config.MCPServerConfig{helperServerConfig("remote")},
	}
	loaded, err := LoadMCPTools(context.Background(), cfg, "")
	require.NoError(t, err)

	reg := NewToolRegistry()
	skipped, err := RegisterAll(reg, config.DefaultConfig().Tools, loaded)
	require.NoError(t, err)
	assert.Empty(t, skipped)

	result := reg.Execute(context.Background(), "remote_add_numbers", map[string]any{"a": 1.5, "b": 1})
	assert.Equal(t, "The sum of 1.5 and 1 is 2.5", result.ForLLM)
}

func TestLoadMCPTools_DisabledReturnsNothing(t *testing.T) {
	loaded, err := LoadMCPTools(context.Background(), config.MCPToolsConfig{
		Enabled: false,
		Servers: []config.MCPServerConfig{helperServerConfig("")},
	}, "")
	assert.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadMCPTools_BrokenServerIsSkipped(t *testing.T) {
	cfg := config.MCPToolsConfig{
		Enabled: true,
		Servers: []config.MCPServerConfig{
			{Name: "broken", Enabled: true, Transport: "command", Command: ""},
			helperServerConfig(""),
		},
	}

	loaded, err := LoadMCPTools(context.Background(), cfg, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery failed")
	assert.Len(t, loaded, 3)
}

func TestMCPTool_CallFailure(t *testing.T) {
	tool := &MCPTool{
		localName:  "mcp_gone_echo",
		remoteName: "echo",
		client: newMCPClient(config.MCPServerConfig{
			Name:      "gone",
			Transport: "streamable_http",
			URL:       "http://127.0.0.1:1/mcp",
		}, ""),
		callTimeout: 2 * time.Second,
	}

	result := tool.Execute(context.Background(), map[string]any{})
	assert.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "Error calling MCP tool echo: ")
	assert.Error(t, result.Err)
}

func TestBuildLocalToolName_EnsuresUniqueness(t *testing.T) {
	used := map[string]int{}
	cfg := config.MCPServerConfig{Name: "my server", ToolPrefix: "mcp_my_server"}

	name1 := buildLocalToolName(cfg, "echo", used)
	name2 := buildLocalToolName(cfg, "echo", used)

	assert.NotEqual(t, name1, name2)
	assert.LessOrEqual(t, len(name1), maxToolNameLength)
	assert.LessOrEqual(t, len(name2), maxToolNameLength)
}

func TestBuildLocalToolName_SanitizesAndTruncates(t *testing.T) {
	used := map[string]int{}
	name := buildLocalToolName(config.MCPServerConfig{Name: "weird server!"}, "a.very/long tool name that keeps going and going and going", used)
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, name)
	assert.LessOrEqual(t, len(name), maxToolNameLength)
}

func TestNormalizeMCPInputSchema_DefaultObject(t *testing.T) {
	schema := normalizeMCPInputSchema(nil)
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema, "properties")
}

func TestResolvePath_RelativeUsesBaseDir(t *testing.T) {
	assert.Equal(t, "/tmp/bot/servers/time", resolvePath("servers/time", "/tmp/bot"))
	assert.Equal(t, "/abs", resolvePath("/abs", "/tmp/bot"))
	assert.Equal(t, "", resolvePath("  ", "/tmp/bot"))
}

func TestBuildTransport(t *testing.T) {
	tr, err := newMCPClient(config.MCPServerConfig{Name: "a", Transport: "command", Command: "srv"}, "").buildTransport()
	require.NoError(t, err)
	cmdTr, ok := tr.(*mcp.CommandTransport)
	require.True(t, ok)
	assert.Equal(t, defaultMCPTerminateWait, cmdTr.TerminateDuration)

	tr, err = newMCPClient(config.MCPServerConfig{Name: "a", Transport: "command", Command: "srv", TerminateTimeoutMS: 2500}, "").buildTransport()
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, tr.(*mcp.CommandTransport).TerminateDuration)

	tr, err = newMCPClient(config.MCPServerConfig{Name: "a", Transport: "sse", URL: "http://x/sse"}, "").buildTransport()
	require.NoError(t, err)
	assert.IsType(t, &mcp.SSEClientTransport{}, tr)

	tr, err = newMCPClient(config.MCPServerConfig{Name: "a", Transport: "streamable_http", URL: "http://x/mcp"}, "").buildTransport()
	require.NoError(t, err)
	assert.IsType(t, &mcp.StreamableClientTransport{}, tr)

	_, err = newMCPClient(config.MCPServerConfig{Name: "a", Transport: "sse"}, "").buildTransport()
	assert.ErrorContains(t, err, "url is required")

	_, err = newMCPClient(config.MCPServerConfig{Name: "a", Transport: "carrier-pigeon"}, "").buildTransport()
	assert.ErrorContains(t, err, "unsupported transport")
}

func toolNames(tools []Tool) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Name())
	}
	return out
}
