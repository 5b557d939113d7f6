package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Backend kinds accepted in backend.kind.
const (
	BackendOpenWebUI = "openwebui"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
)

var (
	ErrMissingServerURL = errors.New("backend server URL is not configured")
	ErrMissingToken     = errors.New("discord token is not configured (set DISCORD_BOT_TOKEN)")
	ErrMissingAPIKey    = errors.New("backend API key is not configured (set OPENWEBUI_API_KEY)")
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// UnmarshalYAML accepts the same mixed string/number lists as UnmarshalJSON.
func (f *FlexibleStringSlice) UnmarshalYAML(value *yaml.Node) error {
	var raw []any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		result = append(result, fmt.Sprint(v))
	}
	*f = result
	return nil
}

type Config struct {
	Backend    BackendConfig    `json:"backend" yaml:"backend"`
	Context    ContextConfig    `json:"context" yaml:"context"`
	Tools      ToolsConfig      `json:"tools" yaml:"tools"`
	Discord    DiscordConfig    `json:"discord" yaml:"discord"`
	RateLimits RateLimitsConfig `json:"rate_limits" yaml:"rate_limits"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

type BackendConfig struct {
	Kind      string `json:"kind" yaml:"kind" env:"LLMBOT_BACKEND_KIND"`
	ServerURL string `json:"server_url" yaml:"server_url" env:"LLMBOT_BACKEND_SERVER_URL"`
	APIKey    string `json:"api_key" yaml:"api_key" env:"OPENWEBUI_API_KEY"`
	Model     string `json:"model" yaml:"model" env:"LLMBOT_BACKEND_MODEL"`
	// RequestTimeout is in seconds.
	RequestTimeout float64 `json:"request_timeout" yaml:"request_timeout" env:"LLMBOT_BACKEND_REQUEST_TIMEOUT"`
	// ContextLength is forwarded to backends that accept it (Ollama num_ctx). 0 leaves it unset.
	ContextLength int `json:"context_length" yaml:"context_length" env:"LLMBOT_BACKEND_CONTEXT_LENGTH"`
	MaxTokens     int `json:"max_tokens" yaml:"max_tokens" env:"LLMBOT_BACKEND_MAX_TOKENS"`
}

type ContextConfig struct {
	// Limit is the entry-count capacity used when no context length is set.
	Limit            int     `json:"limit" yaml:"limit" env:"LLMBOT_CONTEXT_LIMIT"`
	TrimThreshold    float64 `json:"trim_threshold" yaml:"trim_threshold" env:"LLMBOT_CONTEXT_TRIM_THRESHOLD"`
	SystemPrompt     string  `json:"system_prompt" yaml:"system_prompt" env:"LLMBOT_CONTEXT_SYSTEM_PROMPT"`
	SystemPromptFile string  `json:"system_prompt_file" yaml:"system_prompt_file" env:"LLMBOT_CONTEXT_SYSTEM_PROMPT_FILE"`
	AssistantPrefix  string  `json:"assistant_prefix" yaml:"assistant_prefix" env:"LLMBOT_CONTEXT_ASSISTANT_PREFIX"`
}

type ToolsConfig struct {
	Enabled    bool           `json:"enabled" yaml:"enabled" env:"LLMBOT_TOOLS_ENABLED"`
	SearXNGURL string         `json:"searxng_url" yaml:"searxng_url" env:"LLMBOT_TOOLS_SEARXNG_URL"`
	MetarURL   string         `json:"metar_url" yaml:"metar_url" env:"LLMBOT_TOOLS_METAR_URL"`
	MCP        MCPToolsConfig `json:"mcp" yaml:"mcp"`
}

type MCPToolsConfig struct {
	Enabled bool              `json:"enabled" yaml:"enabled" env:"LLMBOT_TOOLS_MCP_ENABLED"`
	Servers []MCPServerConfig `json:"servers" yaml:"servers"`
}

type MCPServerConfig struct {
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// Transport is "command" (stdio), "streamable_http" or "sse".
	Transport  string            `json:"transport" yaml:"transport"`
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	URL        string            `json:"url,omitempty" yaml:"url,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty" yaml:"tool_prefix,omitempty"`
	// Timeouts are in milliseconds; 0 uses the defaults.
	StartupTimeoutMS   int `json:"startup_timeout_ms,omitempty" yaml:"startup_timeout_ms,omitempty"`
	CallTimeoutMS      int `json:"call_timeout_ms,omitempty" yaml:"call_timeout_ms,omitempty"`
	TerminateTimeoutMS int `json:"terminate_timeout_ms,omitempty" yaml:"terminate_timeout_ms,omitempty"`
}

type DiscordConfig struct {
	Token         string              `json:"token" yaml:"token" env:"DISCORD_BOT_TOKEN"`
	AllowFrom     FlexibleStringSlice `json:"allow_from" yaml:"allow_from" env:"LLMBOT_DISCORD_ALLOW_FROM"`
	CommandPrefix string              `json:"command_prefix" yaml:"command_prefix" env:"LLMBOT_DISCORD_COMMAND_PREFIX"`
	// Proxy routes REST and gateway traffic; empty uses the environment proxy settings.
	Proxy string `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"LLMBOT_DISCORD_PROXY"`
}

type RateLimitsConfig struct {
	RequestsPerMinute  int `json:"requests_per_minute" yaml:"requests_per_minute" env:"LLMBOT_RATE_LIMITS_REQUESTS_PER_MINUTE"`   // 0 = unlimited
	ToolCallsPerMinute int `json:"tool_calls_per_minute" yaml:"tool_calls_per_minute" env:"LLMBOT_RATE_LIMITS_TOOL_CALLS_PER_MINUTE"` // 0 = unlimited
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"LLMBOT_LOG_LEVEL"`
	File  string `json:"file" yaml:"file" env:"LLMBOT_LOG_FILE"`
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// then applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := unmarshalConfig(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

func unmarshalConfig(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendOpenWebUI, BackendOpenAI, BackendOllama, BackendAnthropic:
	default:
		return fmt.Errorf("unsupported backend kind %q", c.Backend.Kind)
	}
	if strings.TrimSpace(c.Backend.ServerURL) == "" && c.Backend.Kind != BackendAnthropic {
		return ErrMissingServerURL
	}
	if c.Backend.Kind == BackendOpenWebUI && strings.TrimSpace(c.Backend.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if strings.TrimSpace(c.Backend.Model) == "" {
		return errors.New("backend model is not configured")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.Backend.RequestTimeout)
	}
	if c.Backend.ContextLength < 0 {
		return fmt.Errorf("context length must not be negative, got %d", c.Backend.ContextLength)
	}
	if c.Backend.ContextLength == 0 && c.Context.Limit <= 0 {
		return fmt.Errorf("context limit must be positive, got %d", c.Context.Limit)
	}
	if c.Context.TrimThreshold <= 0 || c.Context.TrimThreshold > 1 {
		return fmt.Errorf("trim threshold must be in (0, 1], got %v", c.Context.TrimThreshold)
	}
	return nil
}

// ValidateDiscord additionally requires the Discord credentials.
func (c *Config) ValidateDiscord() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Discord.Token) == "" {
		return ErrMissingToken
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeout * float64(time.Second))
}

// ResolveSystemPrompt returns the configured prompt followed by the contents of
// system_prompt_file, if any.
func (c *Config) ResolveSystemPrompt() (string, error) {
	prompt := c.Context.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	if c.Context.SystemPromptFile == "" {
		return prompt, nil
	}

	extra, err := os.ReadFile(expandHome(c.Context.SystemPromptFile))
	if err != nil {
		return "", fmt.Errorf("read system prompt file: %w", err)
	}
	if text := strings.TrimSpace(string(extra)); text != "" {
		prompt += "\n\n" + text
	}
	return prompt, nil
}
