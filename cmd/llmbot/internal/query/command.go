package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/llmbot/cmd/llmbot/internal"
	"github.com/sipeed/llmbot/pkg/agent"
	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/providers"
	"github.com/sipeed/llmbot/pkg/utils"
)

const sessionKey = "cli:direct"

func NewQueryCommand() *cobra.Command {
	var (
		flags   internal.BackendFlags
		verbose bool
	)

	cmd := &cobra.Command{
		Use:     "query <text>",
		Aliases: []string{"q"},
		Short:   "Send one query to the model and print the answer",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			if err := internal.SetupLogging(cfg, flags.Debug); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			provider, err := providers.CreateProvider(cfg)
			if err != nil {
				return fmt.Errorf("error creating provider: %w", err)
			}
			return queryCmd(cmd.Context(), cmd.OutOrStdout(), cfg, provider, internal.ConfigPath(&flags), args[0], verbose)
		},
	}

	internal.AddBackendFlags(cmd, &flags, false)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print tool calls and token usage")
	return cmd
}

func queryCmd(
	ctx context.Context,
	out io.Writer,
	cfg *config.Config,
	provider providers.LLMProvider,
	configPath string,
	text string,
	verbose bool,
) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := internal.VerifyBackend(ctx, cfg, provider); err != nil {
		return err
	}

	limiter := internal.NewLimiter(cfg)
	registry, err := internal.BuildToolRegistry(ctx, cfg, configPath, limiter)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	loop, err := agent.NewAgentLoop(cfg, msgBus, provider, registry)
	if err != nil {
		return err
	}

	result, err := loop.ProcessDirect(ctx, text, sessionKey)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if verbose {
		printToolCalls(out, result.ToolCalls)
	}
	fmt.Fprintln(out, result.Content)
	if verbose && result.Usage.TotalTokens > 0 {
		fmt.Fprintf(out, "\n[tokens: prompt=%d completion=%d total=%d]\n",
			result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens)
	}
	return nil
}

func printToolCalls(out io.Writer, calls []agent.ToolInvocation) {
	for _, call := range calls {
		args, _ := json.Marshal(call.Arguments)
		status := "ok"
		if call.IsError {
			status = "error"
		}
		fmt.Fprintf(out, "→ %s(%s) [%s, %s]: %s\n",
			call.Name, string(args), status, call.Duration.Round(time.Millisecond), utils.Truncate(call.Result, 200))
	}
	if len(calls) > 0 {
		fmt.Fprintln(out)
	}
}
