package tools

import (
	"context"
	"errors"
	"fmt"
)

var errDivisionByZero = errors.New("Division by zero is not allowed")

type arithmeticOp struct {
	name        string
	description string
	aDesc       string
	bDesc       string
	apply       func(a, b float64) (float64, error)
}

// ArithmeticTool is one of the four two-operand arithmetic tools.
type ArithmeticTool struct {
	op arithmeticOp
}

func NewAddTool() *ArithmeticTool {
	return &ArithmeticTool{op: arithmeticOp{
		name:        "add_numbers",
		description: "Add two numbers together",
		aDesc:       "First number to add",
		bDesc:       "Second number to add",
		apply:       func(a, b float64) (float64, error) { return a + b, nil },
	}}
}

func NewSubtractTool() *ArithmeticTool {
	return &ArithmeticTool{op: arithmeticOp{
		name:        "subtract_numbers",
		description: "Subtract two numbers",
		aDesc:       "First number (minuend)",
		bDesc:       "Second number (subtrahend)",
		apply:       func(a, b float64) (float64, error) { return a - b, nil },
	}}
}

func NewMultiplyTool() *ArithmeticTool {
	return &ArithmeticTool{op: arithmeticOp{
		name:        "multiply_numbers",
		description: "Multiply two numbers",
		aDesc:       "First number",
		bDesc:       "Second number",
		apply:       func(a, b float64) (float64, error) { return a * b, nil },
	}}
}

func NewDivideTool() *ArithmeticTool {
	return &ArithmeticTool{op: arithmeticOp{
		name:        "divide_numbers",
		description: "Divide two numbers",
		aDesc:       "First number (dividend)",
		bDesc:       "Second number (divisor)",
		apply: func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errDivisionByZero
			}
			return a / b, nil
		},
	}}
}

func (t *ArithmeticTool) Name() string {
	return t.op.name
}

func (t *ArithmeticTool) Description() string {
	return t.op.description
}

func (t *ArithmeticTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{
				"type":        "number",
				"description": t.op.aDesc,
			},
			"b": map[string]any{
				"type":        "number",
				"description": t.op.bDesc,
			},
		},
		"required": []string{"a", "b"},
	}
}

func (t *ArithmeticTool) Execute(_ context.Context, args map[string]any) *ToolResult {
	a, err := numberArg(args, "a")
	if err != nil {
		return FailedResult(fmt.Errorf("Invalid number format: %w", err))
	}
	b, err := numberArg(args, "b")
	if err != nil {
		return FailedResult(fmt.Errorf("Invalid number format: %w", err))
	}

	result, err := t.op.apply(a, b)
	if err != nil {
		return FailedResult(err)
	}
	return NewToolResult(formatNumber(result))
}
