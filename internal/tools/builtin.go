package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Builtin demo tools. They keep the exec subcommand and the examples useful
// without any external tool wiring; servers get them only when the config
// asks by name.

// BuiltinNames lists the demo tools in registration order.
var BuiltinNames = []string{"clock.now", "math.add", "text.echo"}

// RegisterBuiltins registers the named builtin tools, or all of them when
// names is empty. Unknown names are an error.
func RegisterBuiltins(r *Registry, names ...string) error {
	if len(names) == 0 {
		names = BuiltinNames
	}
	for _, name := range names {
		def, ok := builtinDefinition(name)
		if !ok {
			return fmt.Errorf("tools: unknown builtin tool %q", name)
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func builtinDefinition(name string) (Definition, bool) {
	switch name {
	case "clock.now":
		return Definition{
			Name:        "clock.now",
			Description: "Current broker time.",
			ArgsSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, args map[string]any, call *CallContext) (any, error) {
				now := time.Now().UTC()
				return map[string]any{
					"iso":     now.Format(time.RFC3339Nano),
					"epochMs": now.UnixMilli(),
				}, nil
			},
		}, true

	case "math.add":
		return Definition{
			Name:        "math.add",
			Description: "Sum of two numbers.",
			ArgsSchema: map[string]any{
				"type":     "object",
				"required": []any{"a", "b"},
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, args map[string]any, call *CallContext) (any, error) {
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				return a + b, nil
			},
		}, true

	case "text.echo":
		return Definition{
			Name:        "text.echo",
			Description: "Echo a string, optionally uppercased.",
			ArgsSchema: map[string]any{
				"type":     "object",
				"required": []any{"text"},
				"properties": map[string]any{
					"text":  map[string]any{"type": "string"},
					"upper": map[string]any{"type": "boolean"},
				},
				"additionalProperties": false,
			},
			Handler: func(ctx context.Context, args map[string]any, call *CallContext) (any, error) {
				text, _ := args["text"].(string)
				if upper, _ := args["upper"].(bool); upper {
					text = strings.ToUpper(text)
				}
				return text, nil
			},
		}, true
	}
	return Definition{}, false
}
