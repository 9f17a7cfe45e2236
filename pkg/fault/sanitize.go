package fault

import "strings"

// Redacted replaces values under sensitive keys.
const Redacted = "[REDACTED]"

var sensitiveKeyParts = []string{
	"password",
	"token",
	"secret",
	"key",
	"auth",
	"credential",
	"api_key",
}

// Sanitize returns a copy of meta with every value under a sensitive key
// replaced by Redacted. Nested maps and slices are walked recursively.
// The input map is never mutated.
func Sanitize(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
