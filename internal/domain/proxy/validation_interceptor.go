// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/safe-mcp/gateway/internal/domain/validation"
	"github.com/safe-mcp/gateway/pkg/mcp"
)

// ValidationInterceptor sits first in the chain. Client messages get
// structural validation and tool-call sanitization; server responses
// are matched against pending request IDs so an upstream cannot
// answer questions nobody asked.
type ValidationInterceptor struct {
	next      MessageInterceptor
	validator *validation.MessageValidator
	sanitizer *validation.Sanitizer
	logger    *slog.Logger
	// pending tracks request IDs awaiting a response.
	pending sync.Map
}

// NewValidationInterceptor creates a ValidationInterceptor wrapping
// next.
func NewValidationInterceptor(next MessageInterceptor, logger *slog.Logger) *ValidationInterceptor {
	return &ValidationInterceptor{
		next:      next,
		validator: validation.NewMessageValidator(),
		sanitizer: validation.NewSanitizer(),
		logger:    logger,
	}
}

// Intercept dispatches on message direction.
func (v *ValidationInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ClientToServer {
		return v.interceptClient(ctx, msg)
	}
	return v.interceptServer(ctx, msg)
}

func (v *ValidationInterceptor) interceptClient(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if err := v.validator.Validate(msg); err != nil {
		v.logger.Warn("invalid JSON-RPC message",
			"error", err,
			"direction", msg.Direction.String(),
		)
		return nil, asValidationError(err, validation.ErrCodeInvalidRequest, "Invalid Request")
	}

	// Remember the ID so the eventual response can be matched. Reusing
	// an ID that is still awaiting its response is a protocol violation.
	if req := msg.Request(); req != nil && req.IsCall() {
		if _, inFlight := v.pending.LoadOrStore(req.ID, struct{}{}); inFlight {
			v.logger.Warn("request ID reused while still in flight",
				"request_id", req.ID,
			)
			return nil, validation.NewValidationError(validation.ErrCodeInvalidRequest, "Invalid Request: duplicate request id")
		}
	}

	if msg.IsToolCall() {
		if err := v.sanitizeToolCall(msg); err != nil {
			v.logger.Warn("tool call sanitization failed", "error", err)
			return nil, asValidationError(err, validation.ErrCodeInvalidParams, "Invalid tool call parameters")
		}
	}

	return v.next.Intercept(ctx, msg)
}

// interceptServer drops responses whose ID was never issued by a
// client request.
func (v *ValidationInterceptor) interceptServer(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if resp := msg.Response(); resp != nil {
		if _, exists := v.pending.LoadAndDelete(resp.ID); !exists {
			v.logger.Warn("unexpected response ID (confused deputy protection)",
				"response_id", resp.ID,
			)
			return nil, validation.NewValidationError(validation.ErrCodeInternalError, "Invalid response")
		}
	}

	return v.next.Intercept(ctx, msg)
}

// sanitizeToolCall decodes the params, runs the sanitizer, and writes
// the cleaned params back onto the request.
func (v *ValidationInterceptor) sanitizeToolCall(msg *mcp.Message) error {
	req := msg.Request()
	if req == nil || req.Params == nil {
		return validation.NewValidationError(validation.ErrCodeInvalidParams, "Missing params")
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return validation.NewValidationError(validation.ErrCodeInvalidParams, "Invalid params")
	}

	sanitized, err := v.sanitizer.SanitizeToolCall(params)
	if err != nil {
		return err
	}

	sanitizedBytes, err := json.Marshal(sanitized)
	if err != nil {
		return validation.NewValidationError(validation.ErrCodeInternalError, "Request processing error")
	}
	req.Params = sanitizedBytes

	return nil
}

// asValidationError returns err when it already carries a safe
// client-facing message, else a fresh ValidationError with the given
// fallback.
func asValidationError(err error, code int, fallback string) error {
	var valErr *validation.ValidationError
	if errors.As(err, &valErr) {
		return valErr
	}
	return validation.NewValidationError(code, fallback)
}

var _ MessageInterceptor = (*ValidationInterceptor)(nil)
