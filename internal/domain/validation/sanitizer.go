package validation

import (
	"regexp"
	"strings"
)

const (
	// MaxStringLength caps any single string value; longer strings are
	// truncated rather than rejected.
	MaxStringLength = 1048576

	// MaxToolNameLength caps tool names.
	MaxToolNameLength = 255
)

// Tool names start with a letter and use only alphanumerics,
// underscores, and hyphens. One slash may separate an upstream
// qualifier from the bare name; that form appears when tools from
// different upstreams collide and get renamed.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*(?:/[a-zA-Z][a-zA-Z0-9_-]*)?$`)

// Sanitizer validates tool names and scrubs tool call arguments so
// hostile input cannot smuggle null bytes, unbounded strings, or
// path traversal through the gateway.
type Sanitizer struct{}

// NewSanitizer creates a Sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// ValidateToolName rejects names that are empty, oversized, contain
// traversal sequences or extra slashes, or fall outside the allowed
// alphabet.
func (s *Sanitizer) ValidateToolName(name string) error {
	if name == "" {
		return NewValidationError(ErrCodeInvalidParams, "tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return NewValidationError(ErrCodeInvalidParams, "tool name too long")
	}
	// Traversal check runs before the pattern so the error names the
	// actual problem.
	if strings.Contains(name, "..") || strings.Count(name, "/") > 1 {
		return NewValidationError(ErrCodeInvalidParams, "invalid characters in tool name")
	}
	if !toolNamePattern.MatchString(name) {
		return NewValidationError(ErrCodeInvalidParams, "invalid tool name format")
	}
	return nil
}

// SanitizeValue walks a decoded JSON value. Strings lose null bytes
// and get truncated at MaxStringLength; maps and slices are rebuilt
// with sanitized elements; everything else passes through.
func (s *Sanitizer) SanitizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return s.sanitizeString(val), nil

	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, elem := range val {
			sanitized, err := s.SanitizeValue(elem)
			if err != nil {
				return nil, err
			}
			result[k] = sanitized
		}
		return result, nil

	case []interface{}:
		result := make([]interface{}, len(val))
		for i, elem := range val {
			sanitized, err := s.SanitizeValue(elem)
			if err != nil {
				return nil, err
			}
			result[i] = sanitized
		}
		return result, nil

	default:
		return v, nil
	}
}

func (s *Sanitizer) sanitizeString(str string) string {
	str = strings.ReplaceAll(str, "\x00", "")
	if len(str) > MaxStringLength {
		str = str[:MaxStringLength]
	}
	return str
}

// SanitizeToolCall validates the "name" field of tools/call params and
// sanitizes "arguments" recursively. Other fields (such as _meta) pass
// through untouched.
func (s *Sanitizer) SanitizeToolCall(params map[string]interface{}) (map[string]interface{}, error) {
	name, ok := params["name"].(string)
	if !ok {
		return nil, NewValidationError(ErrCodeInvalidParams, "tool name is required")
	}
	if err := s.ValidateToolName(name); err != nil {
		return nil, err
	}

	result := make(map[string]interface{}, len(params))
	result["name"] = name

	for k, v := range params {
		switch k {
		case "name":
		case "arguments":
			sanitized, err := s.SanitizeValue(v)
			if err != nil {
				return nil, err
			}
			result[k] = sanitized
		default:
			result[k] = v
		}
	}

	return result, nil
}
