package internal

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/logger"
	"github.com/sipeed/llmbot/pkg/providers"
	"github.com/sipeed/llmbot/pkg/ratelimit"
	"github.com/sipeed/llmbot/pkg/redaction"
	"github.com/sipeed/llmbot/pkg/tools"
)

const Logo = "🤖"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// BackendFlags holds the command-line overrides shared by commands that talk
// to a model backend. A flag only overrides the config when it was set.
type BackendFlags struct {
	ConfigPath    string
	Kind          string
	ServerURL     string
	Model         string
	Timeout       float64
	ContextLimit  int
	ContextLength int
	NoTools       bool
	Debug         bool
}

// AddBackendFlags registers the shared flags on cmd. withContext adds the
// conversation sizing flags used by long-running commands.
func AddBackendFlags(cmd *cobra.Command, f *BackendFlags, withContext bool) {
	defaults := config.DefaultConfig()

	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "", "Config file (default $LLMBOT_CONFIG or ~/.llmbot/config.json)")
	cmd.Flags().StringVar(&f.Kind, "backend", defaults.Backend.Kind, "Backend kind: openwebui, openai, ollama or anthropic")
	cmd.Flags().StringVar(&f.ServerURL, "server-url", "", "Model backend server URL")
	cmd.Flags().StringVar(&f.Model, "model", defaults.Backend.Model, "Model to use")
	cmd.Flags().Float64Var(&f.Timeout, "timeout", defaults.Backend.RequestTimeout, "Request timeout in seconds")
	cmd.Flags().BoolVar(&f.NoTools, "no-tools", false, "Disable tool calling")
	cmd.Flags().BoolVarP(&f.Debug, "debug", "d", false, "Enable debug logging")

	if withContext {
		cmd.Flags().IntVar(&f.ContextLimit, "context-limit", defaults.Context.Limit, "Number of messages to keep in context per channel")
		cmd.Flags().IntVar(&f.ContextLength, "context-length", 0, "Model context length in tokens; enables token-budget trimming")
	}
}

// LoadConfig reads the config file and applies the flags that were set on cmd.
func LoadConfig(cmd *cobra.Command, f *BackendFlags) (*config.Config, error) {
	path := ConfigPath(f)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	ApplyFlags(cmd, f, cfg)
	return cfg, nil
}

// ConfigPath is the --config value or the resolved default location.
func ConfigPath(f *BackendFlags) string {
	if p := strings.TrimSpace(f.ConfigPath); p != "" {
		return p
	}
	return config.ResolveRuntimePaths().ConfigPath
}

func ApplyFlags(cmd *cobra.Command, f *BackendFlags, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend.Kind = f.Kind
	}
	if flags.Changed("server-url") {
		cfg.Backend.ServerURL = f.ServerURL
	}
	if flags.Changed("model") {
		cfg.Backend.Model = f.Model
	}
	if flags.Changed("timeout") {
		cfg.Backend.RequestTimeout = f.Timeout
	}
	if flags.Changed("context-limit") {
		cfg.Context.Limit = f.ContextLimit
	}
	if flags.Changed("context-length") {
		cfg.Backend.ContextLength = f.ContextLength
	}
	if f.NoTools {
		cfg.Tools.Enabled = false
	}
}

// SetupLogging applies the configured log level and file. debug forces DEBUG.
func SetupLogging(cfg *config.Config, debug bool) error {
	logger.SetRedactor(redaction.NewRedactor(cfg.Backend.APIKey, cfg.Discord.Token))

	if debug {
		logger.SetLevel(logger.DEBUG)
	} else if cfg.Log.Level != "" {
		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}

	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File); err != nil {
			return err
		}
	}
	return nil
}

// NewLimiter builds the shared request and tool limiter, or nil when both
// limits are off.
func NewLimiter(cfg *config.Config) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute:  cfg.RateLimits.RequestsPerMinute,
		ToolCallsPerMinute: cfg.RateLimits.ToolCallsPerMinute,
	})
	if !l.Enabled() {
		return nil
	}
	return l
}

// BuildToolRegistry registers the built-in tools and any MCP tools. It
// returns nil when tools are disabled. MCP servers that fail discovery are
// logged and skipped.
func BuildToolRegistry(ctx context.Context, cfg *config.Config, configPath string, limiter *ratelimit.Limiter) (*tools.ToolRegistry, error) {
	if !cfg.Tools.Enabled {
		logger.InfoC("tool", "Tools disabled")
		return nil, nil
	}

	mcpTools, err := tools.LoadMCPTools(ctx, cfg.Tools.MCP, filepath.Dir(configPath))
	if err != nil {
		logger.WarnCF("mcp", "Some MCP servers were skipped", map[string]any{
			"error": err.Error(),
		})
	}

	registry := tools.NewToolRegistry(tools.WithRateLimiter(limiter))
	skipped, err := tools.RegisterAll(registry, cfg.Tools, mcpTools)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	for _, name := range skipped {
		logger.WarnCF("tool", "Duplicate tool name skipped", map[string]any{
			"tool": name,
		})
	}

	logger.InfoCF("tool", "Tools registered", map[string]any{
		"count": registry.Count(),
		"tools": registry.List(),
	})
	return registry, nil
}

// VerifyBackend confirms once that the backend honors the configured context
// length. Backends without that capability, or a zero length, pass.
func VerifyBackend(ctx context.Context, cfg *config.Config, provider providers.LLMProvider) error {
	if cfg.Backend.ContextLength <= 0 {
		return nil
	}
	verifier, ok := provider.(providers.ContextVerifier)
	if !ok {
		logger.WarnCF("provider", "Backend cannot verify the context length; it is ignored", map[string]any{
			"backend":        cfg.Backend.Kind,
			"context_length": cfg.Backend.ContextLength,
		})
		return nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()
	if err := verifier.VerifyContextLength(verifyCtx, cfg.Backend.Model); err != nil {
		return fmt.Errorf("model %s failed context length verification: %w", cfg.Backend.Model, err)
	}
	logger.InfoCF("provider", "Context length verified", map[string]any{
		"model":          cfg.Backend.Model,
		"context_length": cfg.Backend.ContextLength,
	})
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
