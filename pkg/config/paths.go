package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvLLMBotConfig = "LLMBOT_CONFIG"
	EnvLLMBotHome   = "LLMBOT_HOME"
)

type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
	LogPath    string
}

// ResolveRuntimePaths locates the config file. LLMBOT_CONFIG wins over
// LLMBOT_HOME, which wins over ~/.llmbot.
func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvLLMBotConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvLLMBotHome)))
	if homeDir == "" {
		homeDir = defaultLLMBotHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultLLMBotHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".llmbot"
	}
	return filepath.Join(home, ".llmbot")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:    homeDir,
		ConfigPath: configPath,
		LogPath:    filepath.Join(homeDir, "llmbot.log"),
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
