package discord

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sipeed/llmbot/cmd/llmbot/internal"
	"github.com/sipeed/llmbot/pkg/agent"
	"github.com/sipeed/llmbot/pkg/bus"
	"github.com/sipeed/llmbot/pkg/channels"
	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers"
	"github.com/sipeed/llmbot/pkg/tools"
)

const shutdownTimeout = 15 * time.Second

func NewDiscordCommand() *cobra.Command {
	var flags internal.BackendFlags

	cmd := &cobra.Command{
		Use:     "discord",
		Aliases: []string{"d"},
		Short:   "Start the Discord bot",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			if err := internal.SetupLogging(cfg, flags.Debug); err != nil {
				return err
			}
			return discordCmd(cmd.Context(), cfg, internal.ConfigPath(&flags))
		},
	}

	internal.AddBackendFlags(cmd, &flags, true)
	return cmd
}

func discordCmd(parent context.Context, cfg *config.Config, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := cfg.ValidateDiscord(); err != nil {
		return err
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("error creating provider: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting Discord bot...")

	limiter := internal.NewLimiter(cfg)

	// Backend verification and tool discovery are independent startup calls.
	var registry *tools.ToolRegistry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return internal.VerifyBackend(gctx, cfg, provider)
	})
	g.Go(func() error {
		var err error
		registry, err = internal.BuildToolRegistry(gctx, cfg, configPath, limiter)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	discordChannel, err := channels.NewDiscordChannel(cfg.Discord, msgBus)
	if err != nil {
		return err
	}
	manager := channels.NewManager(msgBus)
	if err := manager.Register(discordChannel); err != nil {
		return err
	}

	agentLoop, err := agent.NewAgentLoop(cfg, msgBus, provider, registry,
		agent.WithTyper(manager),
		agent.WithRequestLimiter(limiter),
	)
	if err != nil {
		return err
	}

	if err := manager.StartAll(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = manager.StopAll(stopCtx)
		return err
	}

	toolCount := 0
	if registry != nil {
		toolCount = registry.Count()
	}
	fmt.Printf("%s Discord bot running (model: %s, tools: %d). Press Ctrl+C to stop.\n",
		internal.Logo, cfg.Backend.Model, toolCount)
	logger.InfoCF("discord", "Gateway started", map[string]any{
		"backend":        cfg.Backend.Kind,
		"model":          cfg.Backend.Model,
		"tools":          toolCount,
		"context_policy": describePolicy(cfg),
	})

	// Run returns once ctx is done and in-flight queries have replied.
	runErr := agentLoop.Run(ctx)

	fmt.Println("\nShutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.StopAll(stopCtx); err != nil {
		logger.ErrorCF("discord", "Error during shutdown", map[string]any{
			"error": err.Error(),
		})
	}
	fmt.Println("✓ Bot stopped")
	return runErr
}

func describePolicy(cfg *config.Config) string {
	if cfg.Backend.ContextLength > 0 {
		return fmt.Sprintf("tokens %d x %.2f", cfg.Backend.ContextLength, cfg.Context.TrimThreshold)
	}
	return fmt.Sprintf("entries %d", cfg.Context.Limit)
}
