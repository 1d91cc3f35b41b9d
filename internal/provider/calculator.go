package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/nugget/mcphost/internal/mcp"
)

func binarySchema(a, aDesc, b, bDesc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			a: map[string]any{"type": "number", "description": aDesc},
			b: map[string]any{"type": "number", "description": bDesc},
		},
		"required": []string{a, b},
	}
}

func binaryTool(name, desc string, fn func(a, b float64) (float64, error)) Tool {
	return Tool{
		ToolDefinition: mcp.ToolDefinition{
			Name:        name,
			Description: desc,
			InputSchema: binarySchema("a", "First number", "b", "Second number"),
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			a, err := number(args, "a")
			if err != nil {
				return "", err
			}
			b, err := number(args, "b")
			if err != nil {
				return "", err
			}
			v, err := fn(a, b)
			if err != nil {
				return "", err
			}
			return formatNumber(v), nil
		},
	}
}

// Calculator returns the arithmetic provider.
func Calculator(logger *slog.Logger) *Provider {
	return New("calculator-server", "1.0.0", logger,
		binaryTool("add", "Add two numbers", func(a, b float64) (float64, error) {
			return a + b, nil
		}),
		binaryTool("subtract", "Subtract two numbers", func(a, b float64) (float64, error) {
			return a - b, nil
		}),
		binaryTool("multiply", "Multiply two numbers", func(a, b float64) (float64, error) {
			return a * b, nil
		}),
		binaryTool("divide", "Divide two numbers", func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errors.New("cannot divide by zero")
			}
			return a / b, nil
		}),
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "power",
				Description: "Raise a number to a power",
				InputSchema: binarySchema("base", "Base number", "exponent", "Exponent"),
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				base, err := number(args, "base")
				if err != nil {
					return "", err
				}
				exp, err := number(args, "exponent")
				if err != nil {
					return "", err
				}
				return formatNumber(math.Pow(base, exp)), nil
			},
		},
		Tool{
			ToolDefinition: mcp.ToolDefinition{
				Name:        "square_root",
				Description: "Calculate square root of a number",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"number": map[string]any{"type": "number", "description": "Number to calculate square root of"},
					},
					"required": []string{"number"},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				n, err := number(args, "number")
				if err != nil {
					return "", err
				}
				if n < 0 {
					return "", errors.New("cannot calculate square root of negative number")
				}
				return formatNumber(math.Sqrt(n)), nil
			},
		},
	)
}

// number extracts a numeric argument. Numeric strings are accepted
// because models often quote numbers.
func number(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing required argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be a number, got %q", key, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("argument %q must be a number, got %T", key, v)
	}
}

// formatNumber renders integral values without a fractional part.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
