package webhook

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Bounds on untrusted callback payloads. Anything beyond them is cut, not
// rejected: a partial result summary is still useful to the gateway.
const (
	maxStringLen  = 512 // runes per string value
	maxArrayLen   = 25
	maxObjectKeys = 40
	maxDepth      = 4 // container nesting levels
)

// sanitizeValue bounds a decoded JSON value. Returns ok=false for containers
// nested past maxDepth; the caller drops those entirely. Object keys are
// processed in sorted order so the surviving subset under the key cap is
// deterministic.
func sanitizeValue(v any, depth int) (any, bool) {
	switch val := v.(type) {
	case string:
		return clampString(stripControl(val)), true

	case map[string]any:
		if depth > maxDepth {
			return nil, false
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > maxObjectKeys {
			keys = keys[:maxObjectKeys]
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			child, ok := sanitizeValue(val[k], depth+1)
			if !ok {
				continue
			}
			out[clampString(stripControl(k))] = child
		}
		return out, true

	case []any:
		if depth > maxDepth {
			return nil, false
		}
		if len(val) > maxArrayLen {
			val = val[:maxArrayLen]
		}
		out := make([]any, 0, len(val))
		for _, item := range val {
			child, ok := sanitizeValue(item, depth+1)
			if !ok {
				continue
			}
			out = append(out, child)
		}
		return out, true

	default:
		// Numbers (json.Number), bools, nil.
		return v, true
	}
}

// stripControl removes C0 control characters and DEL, keeping newline and tab.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// clampString cuts a string to maxStringLen runes, never mid-rune.
func clampString(s string) string {
	if utf8.RuneCountInString(s) <= maxStringLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxStringLen])
}
