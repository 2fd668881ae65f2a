// Package validation rejects malformed JSON-RPC and non-MCP messages
// at the front of the proxy chain, before any inspection work runs.
package validation

import "fmt"

// Standard JSON-RPC 2.0 error codes
// (https://www.jsonrpc.org/specification#error_object).
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Gateway-specific codes in the implementation-defined range.
const (
	// ErrCodeNotInitialized answers requests that arrive before the
	// initialize handshake completed.
	ErrCodeNotInitialized = -32002

	// ErrCodeSecurityViolation answers messages blocked by security
	// inspection. The error data carries the verdict.
	ErrCodeSecurityViolation = -32004
)

// ValidationError is a validation failure with the JSON-RPC code to
// respond with. Message goes to the client verbatim and must not
// contain internal details.
type ValidationError struct {
	Code    int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error %d: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(code int, message string) *ValidationError {
	return &ValidationError{
		Code:    code,
		Message: message,
	}
}
