// llmbot - Discord gateway for OpenWebUI, OpenAI-compatible and Ollama models

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/llmbot/cmd/llmbot/internal"
	"github.com/sipeed/llmbot/cmd/llmbot/internal/discord"
	"github.com/sipeed/llmbot/cmd/llmbot/internal/mcpserver"
	"github.com/sipeed/llmbot/cmd/llmbot/internal/query"
	"github.com/sipeed/llmbot/cmd/llmbot/internal/version"
)

func NewLLMBotCommand() *cobra.Command {
	short := fmt.Sprintf("%s llmbot - LLM gateway for Discord v%s", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:           "llmbot",
		Short:         short,
		Example:       "llmbot query --server-url http://localhost:3000 \"What is 2+2?\"",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		discord.NewDiscordCommand(),
		query.NewQueryCommand(),
		mcpserver.NewMCPServerCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewLLMBotCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
