package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/safe-mcp/gateway/internal/domain/rules"
)

// NewDetectionEnvironment creates a CEL environment for detection
// expressions. Available variables:
//   - text: the flattened message text under inspection
//   - method: the JSON-RPC method of the request
//   - tool_name: the invoked tool, empty outside tools/call
//   - arguments: the tool arguments as a map
//
// Custom functions: glob, arg, arg_contains.
func NewDetectionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("text", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),

		// glob: pattern matching for tool names.
		// Usage: glob("*_file", tool_name)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// arg: extract a specific argument by key.
		// Usage: arg(arguments, "url")
		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if m, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						if v, found := m[types.String(key)]; found {
							return v
						}
						return types.NullValue
					}
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// arg_contains: check if any argument value contains a substring.
		// Usage: arg_contains(arguments, "password")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					goVal := mapVal.Value()
					if goMap, ok := goVal.(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					if refMap, ok := goVal.(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// BuildActivation creates the CEL activation map for one evaluation.
func BuildActivation(text string, rctx rules.Context) map[string]any {
	args := rctx.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	return map[string]any{
		"text":      text,
		"method":    rctx.Method,
		"tool_name": rctx.ToolName,
		"arguments": args,
	}
}
