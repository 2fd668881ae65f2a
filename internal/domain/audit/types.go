// Package audit contains domain types for audit logging.
package audit

import (
	"strings"
	"time"
)

// Decision constants for audit records. These mirror the gateway's
// verdict actions.
const (
	// DecisionAllow indicates the message was forwarded unchanged.
	DecisionAllow = "allow"
	// DecisionWarn indicates the message was forwarded with a warning.
	DecisionWarn = "warn"
	// DecisionBlock indicates the message was blocked.
	DecisionBlock = "block"
)

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// AuditRecord represents one inspected message and its verdict.
type AuditRecord struct {
	// Timestamp is when the message was received.
	Timestamp time.Time `json:"timestamp"`
	// SessionID identifies the client session.
	SessionID string `json:"session_id"`
	// UserID identifies the caller, when known.
	UserID string `json:"user_id,omitempty"`
	// Direction is "request" or "response".
	Direction string `json:"direction"`
	// Method is the JSON-RPC method.
	Method string `json:"method"`
	// ToolName is the invoked tool for tools/call messages.
	ToolName string `json:"tool_name,omitempty"`
	// ToolArguments are the tool arguments after redaction.
	ToolArguments map[string]interface{} `json:"tool_arguments,omitempty"`

	// Decision is "allow", "warn" or "block".
	Decision string `json:"decision"`
	// Severity is the verdict severity for warn/block decisions.
	Severity string `json:"severity,omitempty"`
	// Score is the aggregated confidence score.
	Score float64 `json:"score"`
	// MatchedTechniques lists technique IDs that matched.
	MatchedTechniques []string `json:"matched_techniques,omitempty"`
	// Evidence holds detector evidence strings.
	Evidence []string `json:"evidence,omitempty"`
	// Mitigations lists mitigation IDs for matched techniques.
	Mitigations []string `json:"mitigations,omitempty"`
	// Adjustments lists adaptive risk adjustments applied, tagged
	// strings like "role:developer:-0.15".
	Adjustments []string `json:"adjustments,omitempty"`
	// Reason explains the decision.
	Reason string `json:"reason,omitempty"`

	// Sanitized reports that a tool response was replaced with the
	// sanitized placeholder.
	Sanitized bool `json:"sanitized,omitempty"`
	// TaintLevel is the taint level attached to the data, if tracked.
	TaintLevel string `json:"taint_level,omitempty"`

	// RequestID is the JSON-RPC request ID for correlation.
	RequestID string `json:"request_id,omitempty"`
	// LatencyMicros is the inspection latency in microseconds.
	LatencyMicros int64 `json:"latency_us"`
}
