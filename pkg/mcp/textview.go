package mcp

import (
	"sort"
	"strings"
)

// maxTextViewLen bounds the flattened text view so a pathological request
// cannot balloon analyzer input.
const maxTextViewLen = 1 << 20

// TextView returns the concatenation of all string leaves in the request
// params, in deterministic key order. Text analyzers operate on this view
// instead of re-parsing JSON.
func (m *Message) TextView() string {
	params := m.ParseParams()
	if params == nil {
		return ""
	}

	var sb strings.Builder
	appendStringLeaves(&sb, params)
	return sb.String()
}

// ResultTextView returns the concatenation of all string leaves in a
// response result. Used for response-side inspection.
func ResultTextView(result interface{}) string {
	var sb strings.Builder
	appendValue(&sb, result)
	return sb.String()
}

func appendStringLeaves(sb *strings.Builder, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		appendValue(sb, m[k])
	}
}

func appendValue(sb *strings.Builder, v interface{}) {
	if sb.Len() >= maxTextViewLen {
		return
	}
	switch val := v.(type) {
	case string:
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		remaining := maxTextViewLen - sb.Len()
		if len(val) > remaining {
			val = val[:remaining]
		}
		sb.WriteString(val)
	case map[string]interface{}:
		appendStringLeaves(sb, val)
	case []interface{}:
		for _, item := range val {
			appendValue(sb, item)
		}
	}
}
