package skill

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/requiemhq/requiem/pkg/canonical"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// ResolveTemplates replaces {{path}} placeholders in strings, arrays, and
// maps. The path is split on "." and descends the bag; the final value is
// stringified into the placeholder. Unresolved placeholders stay intact.
// This is pure interpolation; no code executes.
func ResolveTemplates(v any, bag map[string]any) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, bag)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = ResolveTemplates(elem, bag)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = ResolveTemplates(elem, bag)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, bag map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookupPath(bag, path)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

func lookupPath(bag map[string]any, path string) (any, bool) {
	var current any = bag
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringify renders a bag value for interpolation: strings pass through,
// everything else renders as canonical JSON.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	text, err := canonical.String(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return text
}
