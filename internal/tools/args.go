package tools

import "github.com/rinadelph/agent-mcp/internal/domain"

// requireString extracts a non-empty string argument.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", domain.BadRequest("%s is required", key)
	}
	return v, nil
}

// optionalString extracts a string argument, "" when absent.
func optionalString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// optionalFloat64 extracts a number argument, fallback when absent.
func optionalFloat64(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}

// optionalBool extracts a boolean argument, false when absent.
func optionalBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// stringList extracts an array-of-strings argument. Non-string elements are
// skipped.
func stringList(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, x := range raw {
		if s, ok := x.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
