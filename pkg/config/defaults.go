package config

// DefaultSystemPrompt tells the model how multi-user channel messages are labelled.
const DefaultSystemPrompt = "You are an AI assistant helping multiple users in a group conversation. " +
	"Messages will be formatted as 'username: message content'. " +
	"Try to differentiate between users by addressing them by name when " +
	"appropriate and maintaining awareness of who said what in the " +
	"conversation context. " +
	"Example format: 'Alice: What's the weather like?' or " +
	"'Bob: Thanks for the help!'"

const (
	DefaultModel          = "llama3.1:8b"
	DefaultRequestTimeout = 15.0
	DefaultContextLimit   = 10
	DefaultTrimThreshold  = 0.8
	DefaultSearXNGURL     = "http://localhost:8080/search"
	DefaultMetarURL       = "https://aviationweather.gov/api/data/metar"
	DefaultCommandPrefix  = "!"
)

// DefaultConfig returns the default configuration for llmbot.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:           BackendOpenWebUI,
			ServerURL:      "",
			Model:          DefaultModel,
			RequestTimeout: DefaultRequestTimeout,
		},
		Context: ContextConfig{
			Limit:         DefaultContextLimit,
			TrimThreshold: DefaultTrimThreshold,
		},
		Tools: ToolsConfig{
			Enabled:    true,
			SearXNGURL: DefaultSearXNGURL,
			MetarURL:   DefaultMetarURL,
			MCP: MCPToolsConfig{
				Enabled: false,
				Servers: []MCPServerConfig{},
			},
		},
		Discord: DiscordConfig{
			AllowFrom:     FlexibleStringSlice{},
			CommandPrefix: DefaultCommandPrefix,
		},
		RateLimits: RateLimitsConfig{
			RequestsPerMinute:  0,
			ToolCallsPerMinute: 0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
