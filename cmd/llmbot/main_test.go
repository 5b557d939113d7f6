package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLLMBotCommand(t *testing.T) {
	cmd := NewLLMBotCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "llmbot", cmd.Use)

	uses := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		uses = append(uses, sub.Name())
	}
	assert.ElementsMatch(t, []string{"discord", "query", "mcp-server", "version"}, uses)
}

func TestQueryRequiresOneArgument(t *testing.T) {
	cmd := NewLLMBotCommand()
	cmd.SetArgs([]string{"query"})
	assert.Error(t, cmd.Execute())
}
