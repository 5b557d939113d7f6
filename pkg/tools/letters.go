package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

type CountLettersTool struct{}

func NewCountLettersTool() *CountLettersTool {
	return &CountLettersTool{}
}

func (t *CountLettersTool) Name() string {
	return "count_letters"
}

func (t *CountLettersTool) Description() string {
	return "Count occurrences of a specific letter in a text string"
}

func (t *CountLettersTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The text to search in",
			},
			"letter": map[string]any{
				"type":        "string",
				"description": "The letter to count (single character)",
			},
		},
		"required": []string{"text", "letter"},
	}
}

func (t *CountLettersTool) Execute(_ context.Context, args map[string]any) *ToolResult {
	text, err := stringArg(args, "text")
	if err != nil {
		return FailedResult(err)
	}
	letter, err := stringArg(args, "letter")
	if err != nil {
		return FailedResult(err)
	}

	if utf8.RuneCountInString(letter) != 1 {
		return ErrorResult("Error: Please provide exactly one letter to count")
	}

	count := strings.Count(strings.ToLower(text), strings.ToLower(letter))
	return NewToolResult(fmt.Sprintf("The letter '%s' appears %d times in '%s'", letter, count, text))
}
