package mcpserver

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/sipeed/llmbot/cmd/llmbot/internal"
	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/tools"
)

func NewMCPServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve the add_numbers tool over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.InfoC("mcp", "Starting MCP stdio server")
			server := tools.NewMCPServer(internal.GetVersion())
			return server.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
	return cmd
}
