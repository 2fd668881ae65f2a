package proxy

import (
	"encoding/json"
	"errors"
)

// Error types for gateway failures.
var (
	// ErrNotInitialized is returned when a request arrives before the
	// initialize handshake completed.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrUpstreamUnavailable is returned when no upstream can serve the
	// request.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrDraining is returned for new requests once shutdown started.
	ErrDraining = errors.New("gateway is draining")

	// ErrInternalError is returned for unexpected failures.
	ErrInternalError = errors.New("internal error")
)

// SecurityViolationError carries a blocked verdict to the client as a
// JSON-RPC error. Data holds the serializable verdict payload.
type SecurityViolationError struct {
	// Message is a client-safe summary.
	Message string
	// Data is attached to the JSON-RPC error data field.
	Data interface{}
}

// Error implements the error interface.
func (e *SecurityViolationError) Error() string {
	return "security violation: " + e.Message
}

// SafeErrorMessage returns a client-safe error message.
// Internal error details are logged but not exposed to clients.
// SECURITY: This function MUST be used for all client-facing error responses
// to prevent information leakage (stack traces, internal paths, credentials).
func SafeErrorMessage(err error) string {
	var secErr *SecurityViolationError
	if errors.As(err, &secErr) {
		return "SECURITY_VIOLATION: " + secErr.Message
	}

	switch {
	case errors.Is(err, ErrNotInitialized):
		return "Session not initialized"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "Upstream unavailable"
	case errors.Is(err, ErrDraining):
		return "Server shutting down"
	default:
		return "Internal error"
	}
}

// CreateJSONRPCError creates a JSON-RPC 2.0 error response.
// id: request ID (may be nil for notifications)
// code: JSON-RPC error code (e.g., -32600 for invalid request)
// message: human-readable error message
func CreateJSONRPCError(id interface{}, code int, message string) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}
	b, _ := json.Marshal(resp)
	return b
}

// CreateJSONRPCErrorWithData creates a JSON-RPC 2.0 error response with
// a data payload, used to attach the verdict to security violations.
func CreateJSONRPCErrorWithData(id interface{}, code int, message string, data interface{}) []byte {
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		errObj["data"] = data
	}
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   errObj,
		"id":      id,
	}
	b, _ := json.Marshal(resp)
	return b
}
