package validation

import (
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/safe-mcp/gateway/pkg/mcp"
)

// MessageValidator checks decoded messages for JSON-RPC shape and
// MCP method validity before they reach the inspection pipeline.
type MessageValidator struct{}

// NewMessageValidator creates a MessageValidator.
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// Validate returns nil for a well-formed message, or a
// *ValidationError carrying the JSON-RPC error code to answer with.
//
// A message fails when it never decoded, when a request or
// notification is missing its method or names an unknown MCP method,
// or when a response lacks an ID or does not carry exactly one of
// result and error.
func (v *MessageValidator) Validate(msg *mcp.Message) error {
	if msg.Decoded == nil {
		return NewValidationError(ErrCodeParseError, "Parse error")
	}

	switch m := msg.Decoded.(type) {
	case *jsonrpc.Request:
		return v.validateRequest(m)
	case *jsonrpc.Response:
		return v.validateResponse(m)
	default:
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
}

// validateRequest covers both calls and notifications; in the SDK a
// notification is a Request with no ID, and the method rules are the
// same for both.
func (v *MessageValidator) validateRequest(req *jsonrpc.Request) error {
	if req.Method == "" {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
	if !IsValidMCPMethod(req.Method) {
		return NewValidationError(ErrCodeMethodNotFound, "Method not found")
	}
	return nil
}

func (v *MessageValidator) validateResponse(resp *jsonrpc.Response) error {
	if !resp.ID.IsValid() {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	// Exactly one of result and error.
	if (resp.Result != nil) == (resp.Error != nil) {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	return nil
}
