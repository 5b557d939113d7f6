package internal

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/llmbot/pkg/config"
	"github.com/sipeed/llmbot/pkg/providers"
)

func TestFormatVersion_NoGitCommit(t *testing.T) {
	oldVersion, oldGit := version, gitCommit
	t.Cleanup(func() {
		version, gitCommit = oldVersion, oldGit
	})

	version = "1.2.3"
	gitCommit = ""
	assert.Equal(t, "1.2.3", FormatVersion())
}

func TestFormatVersion_WithGitCommit(t *testing.T) {
	oldVersion, oldGit := version, gitCommit
	t.Cleanup(func() {
		version, gitCommit = oldVersion, oldGit
	})

	version = "1.2.3"
	gitCommit = "abc123"
	assert.Equal(t, "1.2.3 (git: abc123)", FormatVersion())
}

func TestFormatBuildInfo_DefaultsGoVersion(t *testing.T) {
	oldBuild, oldGo := buildTime, goVersion
	t.Cleanup(func() {
		buildTime, goVersion = oldBuild, oldGo
	})

	buildTime = "2026-01-02T03:04:05Z"
	goVersion = ""
	build, goVer := FormatBuildInfo()
	assert.Equal(t, buildTime, build)
	assert.Equal(t, runtime.Version(), goVer)
}

func newFlagCommand(f *BackendFlags, withContext bool) *cobra.Command {
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	AddBackendFlags(cmd, f, withContext)
	return cmd
}

func TestApplyFlags_OnlyChangedFlagsOverride(t *testing.T) {
	var f BackendFlags
	cmd := newFlagCommand(&f, true)
	require.NoError(t, cmd.ParseFlags([]string{"--server-url", "http://owui:3000", "--context-length", "8192", "--no-tools"}))

	cfg := config.DefaultConfig()
	cfg.Backend.Model = "from-file"
	cfg.Backend.RequestTimeout = 42
	ApplyFlags(cmd, &f, cfg)

	assert.Equal(t, "http://owui:3000", cfg.Backend.ServerURL)
	assert.Equal(t, 8192, cfg.Backend.ContextLength)
	assert.False(t, cfg.Tools.Enabled)
	assert.Equal(t, "from-file", cfg.Backend.Model, "unset flag must not override config")
	assert.Equal(t, 42.0, cfg.Backend.RequestTimeout)
	assert.Equal(t, config.DefaultContextLimit, cfg.Context.Limit)
}

func TestApplyFlags_ModelAndTimeout(t *testing.T) {
	var f BackendFlags
	cmd := newFlagCommand(&f, false)
	require.NoError(t, cmd.ParseFlags([]string{"--model", "qwen2.5", "--timeout", "30", "--backend", "ollama"}))

	cfg := config.DefaultConfig()
	ApplyFlags(cmd, &f, cfg)
	assert.Equal(t, "qwen2.5", cfg.Backend.Model)
	assert.Equal(t, 30.0, cfg.Backend.RequestTimeout)
	assert.Equal(t, config.BackendOllama, cfg.Backend.Kind)
	assert.Nil(t, cmd.Flags().Lookup("context-limit"))
}

func TestLoadConfig_ReadsFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.SaveConfig(path, &config.Config{
		Backend: config.BackendConfig{Kind: config.BackendOpenAI, ServerURL: "http://file", Model: "file-model", RequestTimeout: 5},
		Context: config.ContextConfig{Limit: 4, TrimThreshold: 0.5},
	}))

	var f BackendFlags
	cmd := newFlagCommand(&f, true)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--context-limit", "6"}))

	cfg, err := LoadConfig(cmd, &f)
	require.NoError(t, err)
	assert.Equal(t, "http://file", cfg.Backend.ServerURL)
	assert.Equal(t, "file-model", cfg.Backend.Model)
	assert.Equal(t, 6, cfg.Context.Limit)
	assert.Equal(t, path, ConfigPath(&f))
}

func TestConfigPath_DefaultsToEnvironment(t *testing.T) {
	t.Setenv(config.EnvLLMBotConfig, "/etc/llmbot/config.json")
	assert.Equal(t, "/etc/llmbot/config.json", ConfigPath(&BackendFlags{}))
}

func TestSetupLogging_RejectsUnknownLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "chatty"
	assert.Error(t, SetupLogging(cfg, false))
}

func TestNewLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Nil(t, NewLimiter(cfg))

	cfg.RateLimits.RequestsPerMinute = 3
	l := NewLimiter(cfg)
	require.NotNil(t, l)
	assert.True(t, l.Enabled())
}

func TestBuildToolRegistry(t *testing.T) {
	cfg := config.DefaultConfig()

	reg, err := BuildToolRegistry(context.Background(), cfg, "/tmp/config.json", nil)
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, 8, reg.Count())
	_, ok := reg.Get("add_numbers")
	assert.True(t, ok)

	cfg.Tools.Enabled = false
	reg, err = BuildToolRegistry(context.Background(), cfg, "/tmp/config.json", nil)
	require.NoError(t, err)
	assert.Nil(t, reg)
}

func TestBuildToolRegistry_BrokenMCPServerIsSkipped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.MCP.Enabled = true
	cfg.Tools.MCP.Servers = []config.MCPServerConfig{{
		Name:      "broken",
		Enabled:   true,
		Transport: "command",
		Command:   filepath.Join(t.TempDir(), "does-not-exist"),
	}}

	reg, err := BuildToolRegistry(context.Background(), cfg, "/tmp/config.json", nil)
	require.NoError(t, err)
	assert.Equal(t, 8, reg.Count())
}

type verifyingProvider struct {
	err   error
	calls int
}

func (p *verifyingProvider) Chat(context.Context, []providers.Message, []providers.ToolDefinition, string, map[string]any) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{}, nil
}

func (p *verifyingProvider) GetDefaultModel() string { return "m" }

func (p *verifyingProvider) VerifyContextLength(context.Context, string) error {
	p.calls++
	return p.err
}

type plainProvider struct{}

func (plainProvider) Chat(context.Context, []providers.Message, []providers.ToolDefinition, string, map[string]any) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{}, nil
}

func (plainProvider) GetDefaultModel() string { return "m" }

func TestVerifyBackend(t *testing.T) {
	cfg := config.DefaultConfig()

	p := &verifyingProvider{}
	require.NoError(t, VerifyBackend(context.Background(), cfg, p))
	assert.Equal(t, 0, p.calls, "no context length means no verification")

	cfg.Backend.ContextLength = 4096
	require.NoError(t, VerifyBackend(context.Background(), cfg, p))
	assert.Equal(t, 1, p.calls)

	p.err = providers.ErrContextLengthRejected
	err := VerifyBackend(context.Background(), cfg, p)
	require.ErrorIs(t, err, providers.ErrContextLengthRejected)
	assert.True(t, strings.Contains(err.Error(), cfg.Backend.Model))

	assert.NoError(t, VerifyBackend(context.Background(), cfg, plainProvider{}))
}

func TestVerifyBackend_WrapsUnexpectedErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend.ContextLength = 2048
	boom := errors.New("connection refused")

	err := VerifyBackend(context.Background(), cfg, &verifyingProvider{err: boom})
	assert.ErrorIs(t, err, boom)
}
